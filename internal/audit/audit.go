// Package audit persists two histories a dispatcher operator needs after
// the fact: every lifecycle transition an agent goes through, and periodic
// snapshots of aggregate memory usage across all running agents.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/events"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/notify"
)

var (
	bucketTransitions = []byte("transitions")
	bucketMemory      = []byte("memory_snapshots")
)

// keyTimeLayout is fixed-width, so the byte order of keys is time order.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MemorySnapshot is one periodic memory_usage() reading.
type MemorySnapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Usage     backend.MemoryUsage   `json:"usage"`
}

// MemoryReporter is the subset of lifecycle.Supervisor the snapshot job needs.
type MemoryReporter interface {
	MemoryUsage(ctx context.Context) (backend.MemoryUsage, error)
}

// Log persists lifecycle transitions and memory snapshots to a BoltDB file.
type Log struct {
	db   *bolt.DB
	cron *cron.Cron
	log  *logging.Logger

	unsubscribe func()
}

// Open creates or opens a BoltDB database at path and ensures its buckets exist.
func Open(path string, log *logging.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTransitions, bucketMemory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit buckets: %w", err)
	}
	return &Log{db: db, log: log}, nil
}

// Close stops the snapshot scheduler (if started) and closes the database.
func (l *Log) Close() error {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	return l.db.Close()
}

// FollowTransitions subscribes to bus and persists every lifecycle event it
// publishes until Close is called. Safe to call once per Log.
func (l *Log) FollowTransitions(bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	l.unsubscribe = unsubscribe
	go func() {
		for evt := range ch {
			if err := l.recordTransition(evt); err != nil {
				l.log.Error("audit: record transition failed", "error", err)
			}
		}
	}()
}

func (l *Log) recordTransition(evt notify.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		key := []byte(fmt.Sprintf("%s::%s", evt.Timestamp.UTC().Format(keyTimeLayout), evt.User))
		return b.Put(key, data)
	})
}

// RecentTransitions returns the most recent lifecycle events, newest first,
// up to limit.
func (l *Log) RecentTransitions(limit int) ([]notify.Event, error) {
	var events []notify.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var evt notify.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				continue
			}
			events = append(events, evt)
		}
		return nil
	})
	return events, err
}

// StartMemorySnapshots schedules a recurring memory_usage() snapshot on the
// given cron expression (e.g. "@every 5m"), persisting each reading.
func (l *Log) StartMemorySnapshots(reporter MemoryReporter, schedule string) error {
	l.cron = cron.New()
	_, err := l.cron.AddFunc(schedule, func() {
		usage, err := reporter.MemoryUsage(context.Background())
		if err != nil {
			l.log.Error("audit: memory snapshot failed", "error", err)
			return
		}
		if err := l.recordMemorySnapshot(usage); err != nil {
			l.log.Error("audit: persist memory snapshot failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule memory snapshot: %w", err)
	}
	l.cron.Start()
	return nil
}

func (l *Log) recordMemorySnapshot(usage backend.MemoryUsage) error {
	snap := MemorySnapshot{Timestamp: time.Now().UTC(), Usage: usage}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal memory snapshot: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemory)
		key := []byte(snap.Timestamp.Format(keyTimeLayout))
		return b.Put(key, data)
	})
}

// RecentMemorySnapshots returns the most recent memory snapshots, newest
// first, up to limit.
func (l *Log) RecentMemorySnapshots(limit int) ([]MemorySnapshot, error) {
	var snaps []MemorySnapshot
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMemory).Cursor()
		for k, v := c.Last(); k != nil && len(snaps) < limit; k, v = c.Prev() {
			var snap MemorySnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	return snaps, err
}
