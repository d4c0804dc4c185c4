// Package journal persists an audit record for every operation the
// broker executes. Records go to a local bbolt database so the trail
// survives restarts and reboots, which is most of the point for a
// daemon whose job includes rebooting. A cron-scheduled prune enforces
// the retention window.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"
)

const entriesBucket = "operations"

// Entry is one executed operation. Outcome is "ok" or the error class
// reported to the client.
type Entry struct {
	ID         uint64    `json:"id"`
	Time       time.Time `json:"time"`
	Op         string    `json:"op"`
	Detail     string    `json:"detail,omitempty"`
	Outcome    string    `json:"outcome"`
	Errno      int32     `json:"errno,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Journal provides persistent storage for operation records.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
	cron   *cron.Cron
}

// Open opens or creates the journal database.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, logger: logger}, nil
}

// RecordOperation appends one record. Recording is best-effort: a
// storage failure is logged and swallowed so an executed operation is
// never reported as failed because its audit write failed.
func (j *Journal) RecordOperation(op, detail, outcome string, errno int32, duration time.Duration) {
	entry := Entry{
		Time:       time.Now().UTC(),
		Op:         op,
		Detail:     detail,
		Outcome:    outcome,
		Errno:      errno,
		DurationMs: duration.Milliseconds(),
	}
	if err := j.record(entry); err != nil {
		j.logger.Error("journal write failed", "op", op, "error", err)
	}
}

func (j *Journal) record(entry Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))

		id, _ := b.NextSequence()
		entry.ID = id

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return b.Put(itob(id), data)
	})
}

// Count returns the number of stored records.
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// Prune removes every record older than the cutoff and returns how
// many were deleted.
func (j *Journal) Prune(before time.Time) (int, error) {
	var pruned int
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		c := b.Cursor()

		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				// Unreadable records count as stale.
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if e.Time.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// StartPruning schedules Prune on the given cron expression, deleting
// records older than retention at each run.
func (j *Journal) StartPruning(schedule string, retention time.Duration) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := j.Prune(time.Now().Add(-retention))
		if err != nil {
			j.logger.Error("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			j.logger.Info("journal pruned", "removed", n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	j.cron = c
	return nil
}

// Shutdown stops the prune schedule, waits for a running prune to
// finish (bounded by ctx) and closes the database.
func (j *Journal) Shutdown(ctx context.Context) error {
	if j.cron != nil {
		stopped := j.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	return j.db.Close()
}

// ReadRecent opens the journal read-only and returns up to limit
// records, newest first. It fails within a second when the broker
// still holds the database, so it is only usable with the daemon
// stopped; that is the intended post-mortem use.
func ReadRecent(path string, limit int) ([]Entry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  1 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var entries []Entry
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// itob converts uint64 to big-endian bytes for ordered keys.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
