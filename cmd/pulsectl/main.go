// pulsectl is the operator CLI: tenant and rule provisioning plus manual runs
// of the downsampling and retention jobs against the server's data directory.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/auth"
	"github.com/pulseboard/pulseboard/pkg/downsample"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/retention"
	"github.com/pulseboard/pulseboard/pkg/server"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: pulsectl <command> [flags]

Commands:
  tenant:create <name> [-webhook URL] [-email ADDR]
      Create a tenant and print its API token (shown once).
  tenant:settings <tenant-id> [-webhook URL] [-email ADDR]
      Replace a tenant's notification settings.
  rule:create -tenant ID -metric NAME -operator OP -threshold N [-duration SECONDS]
      Create an alert rule.
  downsample <1m|5m> [-window-start RFC3339]
      Compute rollups for one window (defaults to the most recent closed window).
  cleanup
      Delete raw points and rollups past their retention horizons.

The data directory is taken from PULSEBOARD_DATA_DIR.
`)
	os.Exit(2)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := server.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	store, err := server.OpenStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage")
	}
	defer store.Close()

	ctx := context.Background()

	switch cmd {
	case "tenant:create":
		cmdTenantCreate(ctx, store, args)
	case "tenant:settings":
		cmdTenantSettings(ctx, store, args)
	case "rule:create":
		cmdRuleCreate(ctx, store, args)
	case "downsample":
		cmdDownsample(ctx, store, args)
	case "cleanup":
		cmdCleanup(ctx, store, args)
	default:
		usage()
	}
}

func newID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		log.WithError(err).Fatal("Failed to generate ID")
	}
	return prefix + hex.EncodeToString(buf)
}

func cmdTenantCreate(ctx context.Context, store storage.Store, args []string) {
	if len(args) < 1 {
		usage()
	}
	name := args[0]

	fs := flag.NewFlagSet("tenant:create", flag.ExitOnError)
	webhook := fs.String("webhook", "", "webhook URL for alert notifications")
	email := fs.String("email", "", "email address for alert notifications")
	fs.Parse(args[1:])
	if fs.NArg() != 0 {
		usage()
	}

	tenant := &model.Tenant{
		ID:   newID("tn-"),
		Name: name,
		Settings: model.TenantSettings{
			WebhookURL:        *webhook,
			NotificationEmail: *email,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		log.WithError(err).Fatal("Failed to create tenant")
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		log.WithError(err).Fatal("Failed to generate token")
	}
	token := "pb_" + hex.EncodeToString(raw)
	if err := store.CreateToken(ctx, &model.TenantToken{
		TokenHash: auth.HashToken(token),
		TenantID:  tenant.ID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Fatal("Failed to store token")
	}

	fmt.Printf("Tenant created\n")
	fmt.Printf("  ID:    %s\n", tenant.ID)
	fmt.Printf("  Name:  %s\n", tenant.Name)
	fmt.Printf("  Token: %s\n", token)
	fmt.Printf("Store the token now; only its hash is kept.\n")
}

func cmdTenantSettings(ctx context.Context, store storage.Store, args []string) {
	if len(args) < 1 {
		usage()
	}
	id := args[0]

	fs := flag.NewFlagSet("tenant:settings", flag.ExitOnError)
	webhook := fs.String("webhook", "", "webhook URL for alert notifications (empty disables)")
	email := fs.String("email", "", "email address for alert notifications (empty disables)")
	fs.Parse(args[1:])
	if fs.NArg() != 0 {
		usage()
	}
	if _, err := store.GetTenant(ctx, id); err != nil {
		log.WithFields(log.Fields{"tenant_id": id}).Fatal("Unknown tenant")
	}
	if err := store.UpdateTenantSettings(ctx, id, model.TenantSettings{
		WebhookURL:        *webhook,
		NotificationEmail: *email,
	}); err != nil {
		log.WithError(err).Fatal("Failed to update settings")
	}
	fmt.Printf("Settings updated for %s\n", id)
}

func cmdRuleCreate(ctx context.Context, store storage.Store, args []string) {
	fs := flag.NewFlagSet("rule:create", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant ID")
	metric := fs.String("metric", "", "metric name")
	operator := fs.String("operator", "", "comparison operator (> < = >= <=)")
	threshold := fs.Float64("threshold", 0, "threshold value")
	duration := fs.Int("duration", 0, "minimum breach duration in seconds before firing")
	fs.Parse(args)

	if *tenantID == "" || *metric == "" || !model.ValidOperator(*operator) || *duration < 0 {
		usage()
	}
	if _, err := store.GetTenant(ctx, *tenantID); err != nil {
		log.WithFields(log.Fields{"tenant_id": *tenantID}).Fatal("Unknown tenant")
	}

	rule := &model.AlertRule{
		TenantID:   *tenantID,
		MetricName: *metric,
		Operator:   *operator,
		Threshold:  *threshold,
		Duration:   *duration,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateRule(ctx, rule); err != nil {
		log.WithError(err).Fatal("Failed to create rule")
	}
	fmt.Printf("Rule created: %s (%s %s %g for %ds)\n",
		rule.ID, rule.MetricName, rule.Operator, rule.Threshold, rule.Duration)
}

func cmdDownsample(ctx context.Context, store storage.Store, args []string) {
	if len(args) < 1 {
		usage()
	}
	res := model.Resolution(args[0])
	if res != model.Resolution1m && res != model.Resolution5m {
		usage()
	}

	fs := flag.NewFlagSet("downsample", flag.ExitOnError)
	windowStart := fs.String("window-start", "", "window start (RFC3339), defaults to the most recent closed window")
	fs.Parse(args[1:])
	if fs.NArg() != 0 {
		usage()
	}

	var start time.Time
	if *windowStart != "" {
		parsed, err := time.Parse(time.RFC3339, *windowStart)
		if err != nil {
			log.WithError(err).Fatal("Invalid -window-start")
		}
		start = parsed
	}

	if err := downsample.New(store).Run(ctx, res, start); err != nil {
		log.WithError(err).Fatal("Downsampling failed")
	}
	fmt.Println("Downsampling complete")
}

func cmdCleanup(ctx context.Context, store storage.Store, args []string) {
	if len(args) != 0 {
		usage()
	}
	result, err := retention.New(store).Run(ctx)
	if err != nil {
		log.WithError(err).Fatal("Cleanup failed")
	}
	fmt.Printf("Cleanup complete: %d raw, %d 1m rollups, %d 5m rollups deleted\n",
		result.RawDeleted, result.OneMinute, result.FiveMinute)
}
