// Package resultstore keeps a durable registry of completed verification
// runs. Exploration and conversion are deterministic, so a recorded result
// stays valid as long as the model and formula are unchanged; the registry
// lets tooling compare runs across model revisions without re-exploring.
package resultstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketByModel = []byte("by_model")
)

// ErrNotFound is returned when no run is recorded under the requested id.
var ErrNotFound = fmt.Errorf("resultstore: run not found")

// Record is one completed verification run.
type Record struct {
	ID          string        `json:"id"`
	Model       string        `json:"model"`
	Formula     string        `json:"formula"`
	Kind        string        `json:"kind"`
	Quantifier  string        `json:"quantifier"`
	Value       float64       `json:"value"`
	Holds       bool          `json:"holds"`
	States      int64         `json:"states"`
	Transitions int64         `json:"transitions"`
	Elapsed     time.Duration `json:"elapsed"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Store is a bbolt-backed run registry. It is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the registry at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketByModel); err != nil {
			return fmt.Errorf("create model index bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records one run. The record's ID must be unique; re-recording an id
// overwrites the previous entry.
func (s *Store) Put(r Record) error {
	if r.ID == "" {
		return fmt.Errorf("resultstore: record without id")
	}
	data, err := sonic.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(r.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketByModel).Put(modelKey(r.Model, r.ID), []byte(r.ID))
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the run recorded under id.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return sonic.Unmarshal(data, &r)
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// ListModel returns every run recorded for the named model, in id order.
func (s *Store) ListModel(model string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketByModel).Cursor()
		prefix := modelKey(model, "")
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := runs.Get(id)
			if data == nil {
				continue
			}
			var r Record
			if err := sonic.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", id, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// modelKey builds the composite model-index key. Model names cannot contain
// the zero byte.
func modelKey(model, id string) []byte {
	k := make([]byte, 0, len(model)+1+len(id))
	k = append(k, model...)
	k = append(k, 0)
	k = append(k, id...)
	return k
}
