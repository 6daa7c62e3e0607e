package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// AuditStore implements domain.AuditStore as an append-only bucket keyed by
// sequence number.
type AuditStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewAuditStore creates an AuditStore on c.
func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{db: c.db, now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(auditBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(domain.AuditEntry{
			ID:        int64(seq),
			Event:     event,
			Detail:    detail,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(u64Key(seq), data)
	})
	if err != nil {
		return fmt.Errorf("bolt: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(auditBucket)).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e domain.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
				continue
			}
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				break
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			out = append(out, e)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list audit entries: %w", err)
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
