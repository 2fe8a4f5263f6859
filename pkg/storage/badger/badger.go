// Package badger implements storage.Store on BadgerDB (LSM tree).
//
// Key layout (all keys are ASCII-prefixed so entity types share one keyspace):
//
//	tenant:<id>                                  -> Tenant
//	token:<sha256 hex>                           -> TenantToken
//	raw:<tenant>:d:<xxhash(dedupe id)>           -> MetricPoint (upsert)
//	raw:<tenant>:t:<ts nanos><seq>               -> MetricPoint (insert)
//	rollup:<res>:<tenant>:<metric>:<window unix> -> RollupPoint (upsert)
//	rule:<id>                                    -> AlertRule
//	alert:<tenant>:<rule>:<seq>                  -> Alert
//
// Deduped raw points get a deterministic key, so a badger Set is the
// insert-or-update; the dedupe id is hashed to keep keys fixed-width the way
// series names are hashed elsewhere. Alert sequence numbers are zero-padded
// hex so lexicographic key order is creation order.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Store implements storage.Store using BadgerDB.
type Store struct {
	db       *badger.DB
	rawSeq   *badger.Sequence
	ruleSeq  *badger.Sequence
	alertSeq *badger.Sequence
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = default 48 MB).
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory bounds: badger's defaults assume a dedicated box.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{db: db}
	if s.rawSeq, err = db.GetSequence([]byte("seq:raw"), 256); err != nil {
		return nil, fmt.Errorf("failed to open raw sequence: %w", err)
	}
	if s.ruleSeq, err = db.GetSequence([]byte("seq:rule"), 16); err != nil {
		return nil, fmt.Errorf("failed to open rule sequence: %w", err)
	}
	if s.alertSeq, err = db.GetSequence([]byte("seq:alert"), 64); err != nil {
		return nil, fmt.Errorf("failed to open alert sequence: %w", err)
	}
	return s, nil
}

// Close releases sequences and shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	s.rawSeq.Release()
	s.ruleSeq.Release()
	s.alertSeq.Release()
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func tenantKey(id string) []byte  { return []byte("tenant:" + id) }
func tokenKey(hash string) []byte { return []byte("token:" + hash) }
func ruleKey(id string) []byte    { return []byte("rule:" + id) }

func rawDedupeKey(tenantID, dedupeID string) []byte {
	return []byte(fmt.Sprintf("raw:%s:d:%016x", tenantID, xxhash.Sum64String(dedupeID)))
}

func rawInsertKey(tenantID string, ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("raw:%s:t:%016x%08x", tenantID, uint64(ts.UnixNano()), seq))
}

func rollupKey(res model.Resolution, tenantID, metric string, window time.Time) []byte {
	return []byte(fmt.Sprintf("rollup:%s:%s:%016x:%016x", res, tenantID, xxhash.Sum64String(metric), uint64(window.Unix())))
}

func alertKey(tenantID, ruleID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("alert:%s:%s:%016x", tenantID, ruleID, seq))
}

func (s *Store) setJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err == badger.ErrKeyNotFound {
		return storage.ErrNotFound
	}
	return err
}

// CreateTenant stores a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(tenantKey(t.ID)); err == nil {
			return fmt.Errorf("tenant %s already exists", t.ID)
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return txn.Set(tenantKey(t.ID), data)
	})
}

// GetTenant returns a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	if err := s.getJSON(tenantKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTenantSettings replaces a tenant's settings bag.
func (s *Store) UpdateTenantSettings(ctx context.Context, id string, settings model.TenantSettings) error {
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	t.Settings = settings
	return s.setJSON(tenantKey(id), t)
}

// CreateToken stores a hashed token record.
func (s *Store) CreateToken(ctx context.Context, tok *model.TenantToken) error {
	return s.setJSON(tokenKey(tok.TokenHash), tok)
}

// LookupToken resolves a token hash.
func (s *Store) LookupToken(ctx context.Context, hash string) (*model.TenantToken, error) {
	var tok model.TenantToken
	if err := s.getJSON(tokenKey(hash), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// TouchToken updates a token's last-used timestamp.
func (s *Store) TouchToken(ctx context.Context, hash string, at time.Time) error {
	tok, err := s.LookupToken(ctx, hash)
	if err != nil {
		return err
	}
	tok.LastUsedAt = at
	return s.setJSON(tokenKey(hash), tok)
}

// WriteBatch persists a batch in one badger transaction. Deduped points write
// to their deterministic key (Set is the upsert); the rest get fresh keys from
// the raw sequence.
func (s *Store) WriteBatch(ctx context.Context, tenantID string, points []model.MetricPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for i := range points {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			p := points[i]
			p.TenantID = tenantID

			var key []byte
			if p.DedupeID != "" {
				key = rawDedupeKey(tenantID, p.DedupeID)
			} else {
				seq, err := s.rawSeq.Next()
				if err != nil {
					return fmt.Errorf("failed to allocate raw sequence: %w", err)
				}
				key = rawInsertKey(tenantID, p.Timestamp, seq)
			}

			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode point: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("failed to write point: %w", err)
			}
		}
		return nil
	})
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

// QueryRaw scans the tenant's raw prefix (or all tenants when TenantID is
// empty), filters in memory, and returns points newest first.
func (s *Store) QueryRaw(ctx context.Context, q storage.RawQuery) ([]model.MetricPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte("raw:")
	if q.TenantID != "" {
		prefix = []byte("raw:" + q.TenantID + ":")
	}

	var results []model.MetricPoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var p model.MetricPoint
				if err := json.Unmarshal(val, &p); err != nil {
					return err
				}
				if matchesRaw(p, q) {
					results = append(results, p)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// DeleteRawBefore removes raw points strictly older than cutoff across all
// tenants and returns the number deleted.
func (s *Store) DeleteRawBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteBefore(ctx, []byte("raw:"), func(val []byte) (time.Time, error) {
		var p model.MetricPoint
		if err := json.Unmarshal(val, &p); err != nil {
			return time.Time{}, err
		}
		return p.Timestamp, nil
	}, cutoff)
}

// UpsertRollups writes rollup points; the deterministic key makes re-runs
// overwrite rather than accumulate.
func (s *Store) UpsertRollups(ctx context.Context, res model.Resolution, rollups []model.RollupPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range rollups {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode rollup: %w", err)
			}
			key := rollupKey(res, r.TenantID, r.MetricName, r.WindowStart)
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("failed to write rollup: %w", err)
			}
		}
		return nil
	})
}

// QueryRollups returns matching rollups, newest window first.
func (s *Store) QueryRollups(ctx context.Context, res model.Resolution, q storage.RollupQuery) ([]model.RollupPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf("rollup:%s:", res))
	if q.TenantID != "" {
		prefix = []byte(fmt.Sprintf("rollup:%s:%s:", res, q.TenantID))
	}

	var results []model.RollupPoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r model.RollupPoint
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				if q.MetricName != "" && r.MetricName != q.MetricName {
					return nil
				}
				if !q.Start.IsZero() && r.WindowStart.Before(q.Start) {
					return nil
				}
				if !q.End.IsZero() && !r.WindowStart.Before(q.End) {
					return nil
				}
				results = append(results, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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
	prefix := []byte(fmt.Sprintf("rollup:%s:", res))
	return s.deleteBefore(ctx, prefix, func(val []byte) (time.Time, error) {
		var r model.RollupPoint
		if err := json.Unmarshal(val, &r); err != nil {
			return time.Time{}, err
		}
		return r.WindowStart, nil
	}, cutoff)
}

// deleteBefore collects keys under prefix whose decoded timestamp is strictly
// before cutoff, then deletes them in one transaction.
func (s *Store) deleteBefore(ctx context.Context, prefix []byte, tsOf func([]byte) (time.Time, error), cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		var keysToDelete [][]byte
		var iterCount int
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			item := it.Item()
			var ts time.Time
			err := item.Value(func(val []byte) error {
				var err error
				ts, err = tsOf(val)
				return err
			})
			if err != nil {
				return err
			}
			if !ts.Before(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keysToDelete)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CreateRule stores a rule, assigning a sequential ID when none is set so
// that key order is creation order.
func (s *Store) CreateRule(ctx context.Context, r *model.AlertRule) error {
	if r.ID == "" {
		seq, err := s.ruleSeq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate rule sequence: %w", err)
		}
		r.ID = fmt.Sprintf("rule-%08d", seq)
	}
	return s.setJSON(ruleKey(r.ID), r)
}

// GetRule returns a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	var r model.AlertRule
	if err := s.getJSON(ruleKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules pages through rules in key (creation) order.
func (s *Store) ListRules(ctx context.Context, afterID string, limit int) ([]model.AlertRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte("rule:")
	seek := prefix
	if afterID != "" {
		// Seek just past the previous page's last key.
		seek = append([]byte("rule:"+afterID), 0x00)
	}

	var page []model.AlertRule
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r model.AlertRule
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				page = append(page, r)
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(page) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// AppendAlert inserts a new state row keyed by the next alert sequence, so
// the highest key under a rule's prefix is the current state.
func (s *Store) AppendAlert(ctx context.Context, a *model.Alert) error {
	seq, err := s.alertSeq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate alert sequence: %w", err)
	}
	a.ID = strconv.FormatUint(seq, 10)
	return s.setJSON(alertKey(a.TenantID, a.RuleID, seq), a)
}

// UpdateAlert rewrites an existing row in place (intra-state progress).
func (s *Store) UpdateAlert(ctx context.Context, a *model.Alert) error {
	seq, err := strconv.ParseUint(a.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed alert id %q: %w", a.ID, err)
	}
	return s.setJSON(alertKey(a.TenantID, a.RuleID, seq), a)
}

// LatestAlert returns the most recently created row for a rule by reverse
// iteration over the rule's alert prefix.
func (s *Store) LatestAlert(ctx context.Context, tenantID, ruleID string) (*model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf("alert:%s:%s:", tenantID, ruleID))
	var found *model.Alert
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode, seek to the end of the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}
		return it.Item().Value(func(val []byte) error {
			var a model.Alert
			if err := json.Unmarshal(val, &a); err != nil {
				return err
			}
			found = &a
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

// QueryAlerts scans the tenant's alert prefix and returns matching rows,
// newest StartedAt first.
func (s *Store) QueryAlerts(ctx context.Context, q storage.AlertQuery) ([]model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte("alert:" + q.TenantID + ":")
	ruleSet := make(map[string]bool, len(q.RuleIDs))
	for _, id := range q.RuleIDs {
		ruleSet[id] = true
	}

	var results []model.Alert
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var a model.Alert
				if err := json.Unmarshal(val, &a); err != nil {
					return err
				}
				if len(ruleSet) > 0 && !ruleSet[a.RuleID] {
					return nil
				}
				if q.State != "" && a.State != q.State {
					return nil
				}
				if !q.Start.IsZero() && a.StartedAt.Before(q.Start) {
					return nil
				}
				if !q.End.IsZero() && a.StartedAt.After(q.End) {
					return nil
				}
				results = append(results, a)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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
