package health

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/apexhq/apex/pkg/types"
)

var (
	bucketRestarts = []byte("restarts")
	bucketCounters = []byte("counters")

	keyChecksSucceeded = []byte("checks_succeeded")
	keyChecksFailed    = []byte("checks_failed")
)

// maxRestartHistory bounds how many restart records the journal retains.
const maxRestartHistory = 100

// Journal is a small BoltDB-backed record of daemon lifecycle facts that must
// survive process restarts: the restart history (the watchdog's restart
// window spans restarts) and cumulative health-check counters.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (creating if necessary) <dataDir>/daemon.db.
func OpenJournal(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "daemon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRestarts, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// AppendRestart records one restart, trimming history beyond the cap.
func (j *Journal) AppendRestart(rec types.RestartRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRestarts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		// Trim oldest entries past the cap.
		c := b.Cursor()
		for k, _ := c.First(); k != nil && b.Stats().KeyN > maxRestartHistory; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restarts returns the recorded restart history, oldest first.
func (j *Journal) Restarts() ([]types.RestartRecord, error) {
	var records []types.RestartRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRestarts).ForEach(func(k, v []byte) error {
			var rec types.RestartRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt restart record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// RestartsSince counts restarts recorded at or after the cutoff.
func (j *Journal) RestartsSince(cutoff time.Time) (int, error) {
	records, err := j.Restarts()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		if !rec.At.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// LastRestart returns the most recent restart record, or false when the
// history is empty.
func (j *Journal) LastRestart() (types.RestartRecord, bool, error) {
	var (
		rec   types.RestartRecord
		found bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketRestarts).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// IncrementCheck bumps the succeeded or failed check counter.
func (j *Journal) IncrementCheck(success bool) error {
	key := keyChecksFailed
	if success {
		key = keyChecksSucceeded
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		return b.Put(key, seqKey(readCounter(b, key)+1))
	})
}

// CheckCounts returns the cumulative (succeeded, failed) check counters.
func (j *Journal) CheckCounts() (succeeded, failed int64, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		succeeded = int64(readCounter(b, keyChecksSucceeded))
		failed = int64(readCounter(b, keyChecksFailed))
		return nil
	})
	return succeeded, failed, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func readCounter(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
