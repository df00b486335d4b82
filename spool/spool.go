// Package spool buffers telemetry batches on local disk while the database
// is unreachable. Batches are keyed by a sequence number derived from their
// capture time, so Drain replays them in capture order once connectivity
// returns.
package spool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanofab/ald-agent/plc"
)

const batchBucket = "batches"

// Batch is one spooled sampler tick.
type Batch struct {
	CapturedAt time.Time            `json:"captured_at"`
	ProcessID  *string              `json:"process_id,omitempty"`
	Values     []plc.ParameterValue `json:"values"`
}

// Spool is the bbolt-backed offline buffer.
type Spool struct {
	db *bolt.DB
}

// Open opens or creates the spool file.
func Open(path string) (*Spool, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(batchBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool bucket: %w", err)
	}
	return &Spool{db: db}, nil
}

// Close closes the underlying file.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Put appends one batch. The key is the bucket's monotonically increasing
// sequence number, big-endian so lexical iteration order matches insertion
// order.
func (s *Spool) Put(batch Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode spool batch: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(batchBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate spool sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Len returns the number of spooled batches.
func (s *Spool) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(batchBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain replays spooled batches oldest-first through fn, deleting each batch
// after fn accepts it. Replay stops at the first error so a still-broken
// database does not spin through the whole backlog; remaining batches stay
// spooled for the next attempt.
func (s *Spool) Drain(fn func(Batch) error) (int, error) {
	drained := 0
	for {
		var key []byte
		var batch Batch
		found := false

		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket([]byte(batchBucket)).Cursor()
			k, v := c.First()
			if k == nil {
				return nil
			}
			found = true
			key = append([]byte(nil), k...)
			return json.Unmarshal(v, &batch)
		})
		if err != nil {
			return drained, fmt.Errorf("failed to read spool batch: %w", err)
		}
		if !found {
			return drained, nil
		}

		if err := fn(batch); err != nil {
			return drained, err
		}

		err = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(batchBucket)).Delete(key)
		})
		if err != nil {
			return drained, fmt.Errorf("failed to delete drained batch: %w", err)
		}
		drained++
	}
}
