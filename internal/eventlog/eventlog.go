// Package eventlog is a thin typed wrapper over the KV store's raw
// event primitives: append-only per-job logs with monotonic ids, range
// reads, and a blocking-tail read for the stream surface. It also owns
// the single-writer completion lock that guards terminal-event
// emission.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docspasta/crawler-engine/internal/crawlerrors"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
)

// TTL is the retention window applied to a job's event log on every append.
const TTL = 24 * time.Hour

// logKey is the logical key passed to the KV store's event primitives,
// which apply their own "events:" physical prefix on top of it.
func logKey(jobID string) string        { return jobID }
func completingKey(jobID string) string { return "completing:" + jobID }

// Log provides typed append/range/tail operations scoped to one job at a
// time, backed by the shared KV store.
type Log struct {
	kv *kvstore.Store
}

// New creates an eventlog.Log over the given KV store.
func New(kv *kvstore.Store) *Log {
	return &Log{kv: kv}
}

type wireEvent struct {
	Type      models.EventType       `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Append records one event for jobID and returns its assigned eventId.
// The job's event log TTL is (re)applied on every append so the 24h
// clock measures time since the most recent activity.
func (l *Log) Append(ctx context.Context, jobID string, eventType models.EventType, payload map[string]interface{}) (int64, error) {
	id, err := l.kv.EventAppend(ctx, logKey(jobID), wireEvent{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return 0, err
	}
	if err := l.kv.KeyExpire(ctx, logKey(jobID), TTL); err != nil {
		return id, err
	}
	return id, nil
}

// LastID returns the id of the most recent event appended for jobID, 0
// if the log is empty.
func (l *Log) LastID(ctx context.Context, jobID string) (int64, error) {
	return l.kv.EventLastID(ctx, logKey(jobID))
}

// Range returns events for jobID with id > afterID, up to maxCount, in
// id order.
func (l *Log) Range(ctx context.Context, jobID string, afterID int64, maxCount int) ([]models.Event, error) {
	raw, err := l.kv.EventRange(ctx, jobID, afterID, maxCount)
	if err != nil {
		return nil, err
	}
	return decodeAll(jobID, raw)
}

// TailBlocking polls for events after afterID, returning as soon as any
// arrive or after timeout elapses (possibly with zero events).
func (l *Log) TailBlocking(ctx context.Context, jobID string, afterID int64, timeout time.Duration) ([]models.Event, error) {
	raw, err := l.kv.EventTailBlocking(ctx, logKey(jobID), afterID, timeout)
	if err != nil {
		return nil, err
	}
	return decodeAll(jobID, raw)
}

func decodeAll(jobID string, raw []kvstore.RawEvent) ([]models.Event, error) {
	events := make([]models.Event, 0, len(raw))
	for _, r := range raw {
		var w wireEvent
		if err := json.Unmarshal(r.Payload, &w); err != nil {
			return nil, crawlerrors.New(crawlerrors.Fatal, "eventlog.decodeAll", err)
		}
		events = append(events, models.Event{
			EventID:   r.EventID,
			JobID:     jobID,
			Type:      w.Type,
			Payload:   w.Payload,
			Timestamp: w.Timestamp,
		})
	}
	return events, nil
}

// completionLockTTL bounds how long a single-writer completion lock
// survives: if its holder dies between acquiring the lock and writing
// the terminal event, the lock self-clears instead of stranding the job
// in `running` forever.
const completionLockTTL = 10 * time.Second

// AcquireCompletionLock attempts the single-writer lock that guards
// terminal-event emission for jobID. Returns true if this caller won it.
func (l *Log) AcquireCompletionLock(ctx context.Context, jobID string) (bool, error) {
	added, err := l.kv.AtomicSetAdd(ctx, completingKey(jobID), []string{"completing"})
	if err != nil {
		return false, err
	}
	if added == 1 {
		if err := l.kv.KeyExpire(ctx, completingKey(jobID), completionLockTTL); err != nil {
			return true, err
		}
	}
	return added == 1, nil
}

// ReleaseCompletionLock clears the single-writer flag so a later
// completion-detection pass can re-attempt the terminal transition. The
// holder releases on every path: a failed re-check must not strand the
// job until the lock's TTL, and releasing after a terminal write is safe
// because every subsequent holder re-checks the job's terminal status
// before acting.
func (l *Log) ReleaseCompletionLock(ctx context.Context, jobID string) error {
	return l.kv.SetRemove(ctx, completingKey(jobID), []string{"completing"})
}
