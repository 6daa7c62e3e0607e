package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// HistoryStore implements domain.HistoryStore. Rows are JSON keyed by match
// ID; a second bucket indexes them by participant and completion time:
//
//	{participantID} 0x00 {completedAt unix nanos, big-endian} {matchID}
type HistoryStore struct {
	db *bolt.DB
}

// NewHistoryStore creates a HistoryStore on c.
func NewHistoryStore(c *Client) *HistoryStore {
	return &HistoryStore{db: c.db}
}

func indexPrefix(participantID string) []byte {
	return append([]byte(participantID), 0)
}

func indexKey(participantID string, completedAt time.Time, matchID string) []byte {
	k := indexPrefix(participantID)
	k = append(k, u64Key(uint64(completedAt.UnixNano()))...)
	return append(k, matchID...)
}

// Record inserts fact and reports whether a new row was written.
func (s *HistoryStore) Record(ctx context.Context, f domain.MatchFinished) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return false, fmt.Errorf("bolt: encode history %s: %w", f.MatchID, err)
	}

	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket([]byte(historyBucket))
		if rows.Get([]byte(f.MatchID)) != nil {
			return nil
		}
		if err := rows.Put([]byte(f.MatchID), data); err != nil {
			return err
		}
		idx := tx.Bucket([]byte(historyIndexBucket))
		for _, p := range []string{f.Player1, f.Player2} {
			if p == "" {
				continue
			}
			if err := idx.Put(indexKey(p, f.CompletedAt, f.MatchID), []byte(f.MatchID)); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt: record history %s: %w", f.MatchID, err)
	}
	return inserted, nil
}

// Get returns the row for matchID.
func (s *HistoryStore) Get(ctx context.Context, matchID string) (domain.MatchFinished, error) {
	var f domain.MatchFinished
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(historyBucket)).Get([]byte(matchID))
		if raw == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(raw, &f)
	})
	if err != nil {
		return f, fmt.Errorf("bolt: get history %s: %w", matchID, err)
	}
	return f, nil
}

// ListByParticipant returns the participant's matches, newest first.
func (s *HistoryStore) ListByParticipant(ctx context.Context, participantID string, opts domain.ListOpts) ([]domain.MatchFinished, error) {
	var out []domain.MatchFinished
	err := s.db.View(func(tx *bolt.Tx) error {
		rows := tx.Bucket([]byte(historyBucket))
		prefix := indexPrefix(participantID)

		var ids [][]byte
		c := tx.Bucket([]byte(historyIndexBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, v)
		}

		skipped := 0
		for i := len(ids) - 1; i >= 0; i-- {
			var f domain.MatchFinished
			if err := json.Unmarshal(rows.Get(ids[i]), &f); err != nil {
				return err
			}
			if opts.Since != nil && f.CompletedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && f.CompletedAt.After(*opts.Until) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			out = append(out, f)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list history %s: %w", participantID, err)
	}
	return out, nil
}

// ListBefore returns rows completed before the cutoff, oldest first.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.MatchFinished, error) {
	var out []domain.MatchFinished
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(historyBucket)).ForEach(func(_, v []byte) error {
			var f domain.MatchFinished
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.CompletedAt.Before(before) {
				out = append(out, f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list history before %s: %w", before.Format(time.RFC3339), err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
