// Package memory provides an in-memory Store. Data is lost on restart.
// Useful for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Store implements storage.Store with maps and slices behind one mutex.
type Store struct {
	mu sync.RWMutex

	tenants map[string]model.Tenant
	tokens  map[string]model.TenantToken

	// Raw points. Deduped points live in dedupe keyed (tenant \x00 dedupeID);
	// the rest append to inserts.
	dedupe  map[string]model.MetricPoint
	inserts []model.MetricPoint

	// Rollups keyed (resolution \x00 tenant \x00 metric \x00 windowStart).
	rollups map[string]model.RollupPoint

	rules  []model.AlertRule
	alerts map[string][]model.Alert // rule ID -> history, oldest first

	seq uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tenants: make(map[string]model.Tenant),
		tokens:  make(map[string]model.TenantToken),
		dedupe:  make(map[string]model.MetricPoint),
		rollups: make(map[string]model.RollupPoint),
		alerts:  make(map[string][]model.Alert),
	}
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// CreateTenant stores a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s already exists", t.ID)
	}
	s.tenants[t.ID] = *t
	return nil
}

// GetTenant returns a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

// UpdateTenantSettings replaces a tenant's settings bag.
func (s *Store) UpdateTenantSettings(ctx context.Context, id string, settings model.TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Settings = settings
	s.tenants[id] = t
	return nil
}

// CreateToken stores a hashed token record.
func (s *Store) CreateToken(ctx context.Context, tok *model.TenantToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[tok.TokenHash] = *tok
	return nil
}

// LookupToken resolves a token hash.
func (s *Store) LookupToken(ctx context.Context, hash string) (*model.TenantToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &tok, nil
}

// TouchToken updates a token's last-used timestamp.
func (s *Store) TouchToken(ctx context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[hash]
	if !ok {
		return storage.ErrNotFound
	}
	tok.LastUsedAt = at
	s.tokens[hash] = tok
	return nil
}

func dedupeKey(tenantID, dedupeID string) string {
	return tenantID + "\x00" + dedupeID
}

// WriteBatch persists a batch atomically: the whole slice is applied under one
// lock. Points with a DedupeID upsert on (tenant, dedupe id).
func (s *Store) WriteBatch(ctx context.Context, tenantID string, points []model.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		p.TenantID = tenantID
		if p.DedupeID != "" {
			s.dedupe[dedupeKey(tenantID, p.DedupeID)] = p
		} else {
			s.inserts = append(s.inserts, p)
		}
	}
	return nil
}

func matchesRaw(p model.MetricPoint, q storage.RawQuery) bool {
	if q.TenantID != "" && p.TenantID != q.TenantID {
		return false
	}
	if q.MetricName != "" && p.MetricName != q.MetricName {
		return false
	}
	if q.AgentID != "" && p.AgentID != q.AgentID {
		return false
	}
	if !q.Start.IsZero() && p.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !p.Timestamp.Before(q.End) {
		return false
	}
	return true
}

// QueryRaw returns matching raw points, newest first.
func (s *Store) QueryRaw(ctx context.Context, q storage.RawQuery) ([]model.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.MetricPoint
	for _, p := range s.inserts {
		if matchesRaw(p, q) {
			results = append(results, p)
		}
	}
	for _, p := range s.dedupe {
		if matchesRaw(p, q) {
			results = append(results, p)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// DeleteRawBefore removes points strictly older than cutoff.
func (s *Store) DeleteRawBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.inserts[:0]
	for _, p := range s.inserts {
		if p.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, p)
	}
	s.inserts = kept

	for k, p := range s.dedupe {
		if p.Timestamp.Before(cutoff) {
			delete(s.dedupe, k)
			deleted++
		}
	}
	return deleted, nil
}

func rollupKey(res model.Resolution, r model.RollupPoint) string {
	return string(res) + "\x00" + r.TenantID + "\x00" + r.MetricName + "\x00" + r.WindowStart.UTC().Format(time.RFC3339)
}

// UpsertRollups writes rollup points, overwriting on key conflict.
func (s *Store) UpsertRollups(ctx context.Context, res model.Resolution, rollups []model.RollupPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rollups {
		s.rollups[rollupKey(res, r)] = r
	}
	return nil
}

// QueryRollups returns matching rollups, newest window first.
func (s *Store) QueryRollups(ctx context.Context, res model.Resolution, q storage.RollupQuery) ([]model.RollupPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(res) + "\x00"
	var results []model.RollupPoint
	for k, r := range s.rollups {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if q.TenantID != "" && r.TenantID != q.TenantID {
			continue
		}
		if q.MetricName != "" && r.MetricName != q.MetricName {
			continue
		}
		if !q.Start.IsZero() && r.WindowStart.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && !r.WindowStart.Before(q.End) {
			continue
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].WindowStart.After(results[j].WindowStart)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// DeleteRollupsBefore removes rollups whose window start is strictly older
// than cutoff.
func (s *Store) DeleteRollupsBefore(ctx context.Context, res model.Resolution, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(res) + "\x00"
	deleted := 0
	for k, r := range s.rollups {
		if strings.HasPrefix(k, prefix) && r.WindowStart.Before(cutoff) {
			delete(s.rollups, k)
			deleted++
		}
	}
	return deleted, nil
}

// CreateRule stores a rule, assigning a sequential ID when none is set.
func (s *Store) CreateRule(ctx context.Context, r *model.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = fmt.Sprintf("rule-%08d", s.nextSeq())
	}
	s.rules = append(s.rules, *r)
	return nil
}

// GetRule returns a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.ID == id {
			rule := r
			return &rule, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListRules pages through rules in ID order.
func (s *Store) ListRules(ctx context.Context, afterID string, limit int) ([]model.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]model.AlertRule, len(s.rules))
	copy(sorted, s.rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var page []model.AlertRule
	for _, r := range sorted {
		if afterID != "" && r.ID <= afterID {
			continue
		}
		page = append(page, r)
		if limit > 0 && len(page) >= limit {
			break
		}
	}
	return page, nil
}

// AppendAlert inserts a new state row with a store-assigned ID.
func (s *Store) AppendAlert(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = fmt.Sprintf("%d", s.nextSeq())
	s.alerts[a.RuleID] = append(s.alerts[a.RuleID], *a)
	return nil
}

// UpdateAlert rewrites an existing row in place.
func (s *Store) UpdateAlert(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.alerts[a.RuleID]
	for i := range history {
		if history[i].ID == a.ID {
			history[i] = *a
			return nil
		}
	}
	return storage.ErrNotFound
}

// LatestAlert returns the most recently created row for a rule.
func (s *Store) LatestAlert(ctx context.Context, tenantID, ruleID string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.alerts[ruleID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TenantID == tenantID {
			a := history[i]
			return &a, nil
		}
	}
	return nil, storage.ErrNotFound
}

// QueryAlerts returns matching alert rows, newest StartedAt first.
func (s *Store) QueryAlerts(ctx context.Context, q storage.AlertQuery) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.Alert
	for _, history := range s.alerts {
		for _, a := range history {
			if q.TenantID != "" && a.TenantID != q.TenantID {
				continue
			}
			if len(q.RuleIDs) > 0 && !containsString(q.RuleIDs, a.RuleID) {
				continue
			}
			if q.State != "" && a.State != q.State {
				continue
			}
			if !q.Start.IsZero() && a.StartedAt.Before(q.Start) {
				continue
			}
			if !q.End.IsZero() && a.StartedAt.After(q.End) {
				continue
			}
			results = append(results, a)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}
