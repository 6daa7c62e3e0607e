// Package boltstore implements the durable execution tier, game history and
// audit log on an embedded bbolt file for local mode.
package boltstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	tierBucket          = "tier:operations"
	historyBucket       = "history:matches"
	historyIndexBucket  = "history:by_participant"
	auditBucket         = "audit:log"
	defaultDatabaseFile = "rpsarena.db"
)

// Client owns the bbolt database file.
type Client struct {
	db *bolt.DB
}

// Open creates dataDir if needed, opens the database inside it and makes
// sure every bucket exists.
func Open(dataDir string) (*Client, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, defaultDatabaseFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{tierBucket, historyBucket, historyIndexBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &Client{db: db}, nil
}

// DB returns the underlying handle.
func (c *Client) DB() *bolt.DB {
	return c.db
}

// Close closes the database file.
func (c *Client) Close() error {
	return c.db.Close()
}

// u64Key encodes n big-endian so keys sort numerically.
func u64Key(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
