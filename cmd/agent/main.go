// agent is a sample collector that reports Go runtime metrics through the
// client SDK. Useful as a smoke test against a running server and as a
// starting point for real agents.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/sdk"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080/v1/metrics", "ingestion endpoint")
	token := flag.String("token", os.Getenv("PULSEBOARD_TOKEN"), "tenant API token")
	agentID := flag.String("agent-id", hostname(), "agent identifier")
	interval := flag.Duration("interval", 15*time.Second, "collection interval")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (-token or PULSEBOARD_TOKEN)")
		os.Exit(2)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	client, err := sdk.New(sdk.Config{
		Endpoint:   *endpoint,
		Token:      *token,
		AgentID:    *agentID,
		FlushEvery: *interval,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create client")
	}

	log.WithFields(log.Fields{
		"endpoint": *endpoint,
		"agent_id": *agentID,
		"interval": *interval,
	}).Info("Agent started")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	collect(client)
	for {
		select {
		case <-ticker.C:
			collect(client)
		case <-quit:
			log.Info("Agent stopping")
			if err := client.Close(); err != nil {
				log.WithError(err).Error("Final flush failed")
			}
			return
		}
	}
}

// collect samples the Go runtime. Gauges carry a dedupe ID so restarts and
// retries overwrite the previous sample instead of duplicating it.
func collect(client *sdk.Client) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	client.Submit("runtime.heap_alloc_bytes", float64(m.HeapAlloc))
	client.Submit("runtime.heap_objects", float64(m.HeapObjects))
	client.Submit("runtime.gc_pause_total_ms", float64(m.PauseTotalNs)/1e6)
	client.SubmitDeduped("runtime.goroutines", float64(runtime.NumGoroutine()), "goroutines-gauge")
	client.SubmitDeduped("runtime.num_gc", float64(m.NumGC), "num-gc-gauge")
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "agent"
}
