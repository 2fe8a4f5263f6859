// Package alerting implements the per-rule hysteresis state machine
// (OK -> PENDING -> FIRING -> OK) over the most recent metric value.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/notify"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Notifier receives FIRING transitions. Implemented by notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, tenant *model.Tenant, ev notify.Event)
}

// Evaluator runs the state machine over every alert rule. Rules are
// processed sequentially in bounded batches: one evaluator per process means
// single-writer-per-rule, so a rule's read-decide-write sequence is never
// torn by a concurrent evaluation of the same rule.
type Evaluator struct {
	store     storage.Store
	notifier  Notifier
	batchSize int
	now       func() time.Time
}

// New creates an evaluator.
func New(store storage.Store, notifier Notifier) *Evaluator {
	return &Evaluator{
		store:     store,
		notifier:  notifier,
		batchSize: config.RuleBatchSize,
		now:       time.Now,
	}
}

// Run evaluates every rule once. A rule whose evaluation fails is logged and
// skipped; the pass continues.
func (e *Evaluator) Run(ctx context.Context) error {
	count := 0
	afterID := ""
	for {
		rules, err := e.store.ListRules(ctx, afterID, e.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}
		if len(rules) == 0 {
			break
		}

		for i := range rules {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.evaluateRule(ctx, &rules[i]); err != nil {
				log.WithFields(log.Fields{"rule_id": rules[i].ID}).WithError(err).Error("Rule evaluation failed")
			}
			count++
		}
		afterID = rules[len(rules)-1].ID
	}

	log.WithFields(log.Fields{"rules_evaluated": count}).Info("Alert rule evaluation completed")
	return nil
}

// evaluateRule applies the transition table to one rule. Rules with no
// recent metric history are skipped entirely (no state change).
func (e *Evaluator) evaluateRule(ctx context.Context, rule *model.AlertRule) error {
	lookback := e.now().Add(-time.Duration(rule.Duration)*time.Second - config.LookbackPadding)

	recent, err := e.store.QueryRaw(ctx, storage.RawQuery{
		TenantID:   rule.TenantID,
		MetricName: rule.MetricName,
		Start:      lookback,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("failed to query recent points: %w", err)
	}
	if len(recent) == 0 {
		return nil
	}
	latest := recent[0]

	current, err := e.store.LatestAlert(ctx, rule.TenantID, rule.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load current alert: %w", err)
	}

	return e.transition(ctx, rule, current, rule.Breached(latest.Value), latest.Value)
}

func (e *Evaluator) transition(ctx context.Context, rule *model.AlertRule, current *model.Alert, breached bool, value float64) error {
	now := e.now()

	if !breached {
		// Any active state resolves to a fresh OK row; OK/none is a no-op.
		if current != nil && (current.State == model.StatePending || current.State == model.StateFiring) {
			if err := e.append(ctx, rule, model.StateOK, now, now); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"rule_id":        rule.ID,
				"previous_state": current.State,
			}).Info("Alert resolved")
		}
		return nil
	}

	if current == nil || current.State == model.StateOK {
		if err := e.append(ctx, rule, model.StatePending, now, now); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"rule_id":     rule.ID,
			"metric_name": rule.MetricName,
		}).Info("Alert moved to PENDING")
		return nil
	}

	if current.State == model.StatePending {
		current.LastCheckedAt = now
		if err := e.store.UpdateAlert(ctx, current); err != nil {
			return fmt.Errorf("failed to touch pending alert: %w", err)
		}

		breachFor := now.Sub(current.StartedAt)
		if breachFor < time.Duration(rule.Duration)*time.Second {
			return nil
		}

		// Escalate, carrying forward the original breach start.
		firing := &model.Alert{
			TenantID:      rule.TenantID,
			RuleID:        rule.ID,
			State:         model.StateFiring,
			StartedAt:     current.StartedAt,
			LastCheckedAt: now,
			CreatedAt:     now,
		}
		if err := e.store.AppendAlert(ctx, firing); err != nil {
			return fmt.Errorf("failed to record FIRING state: %w", err)
		}
		log.WithFields(log.Fields{
			"rule_id":     rule.ID,
			"metric_name": rule.MetricName,
			"duration":    breachFor.Seconds(),
		}).Warn("Alert is FIRING")

		e.notifyFiring(ctx, rule, firing, value)
		return nil
	}

	// FIRING stays FIRING: repeated checks only touch the existing row and
	// never re-notify.
	current.LastCheckedAt = now
	if err := e.store.UpdateAlert(ctx, current); err != nil {
		return fmt.Errorf("failed to touch firing alert: %w", err)
	}
	log.WithFields(log.Fields{
		"rule_id":     rule.ID,
		"metric_name": rule.MetricName,
	}).Debug("Alert remains FIRING")
	return nil
}

func (e *Evaluator) append(ctx context.Context, rule *model.AlertRule, state model.AlertState, startedAt, now time.Time) error {
	a := &model.Alert{
		TenantID:      rule.TenantID,
		RuleID:        rule.ID,
		State:         state,
		StartedAt:     startedAt,
		LastCheckedAt: now,
		CreatedAt:     now,
	}
	if err := e.store.AppendAlert(ctx, a); err != nil {
		return fmt.Errorf("failed to record %s state: %w", state, err)
	}
	return nil
}

// notifyFiring dispatches the FIRING edge. Notification failures are handled
// inside the dispatcher and never fail the evaluator run.
func (e *Evaluator) notifyFiring(ctx context.Context, rule *model.AlertRule, alert *model.Alert, value float64) {
	if e.notifier == nil {
		return
	}

	tenant, err := e.store.GetTenant(ctx, rule.TenantID)
	if err != nil {
		log.WithFields(log.Fields{"tenant_id": rule.TenantID}).WithError(err).Error("Cannot notify: tenant lookup failed")
		return
	}

	e.notifier.Dispatch(ctx, tenant, notify.Event{
		TenantName: tenant.Name,
		MetricName: rule.MetricName,
		Value:      value,
		Threshold:  rule.Threshold,
		Operator:   rule.Operator,
		Timestamp:  alert.StartedAt,
		AlertID:    alert.ID,
	})
}
