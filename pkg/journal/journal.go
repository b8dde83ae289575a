// Package journal is an append-only, hash-chained log of task transitions.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// Transition event types.
const (
	TaskCreated        = "task.created"
	TaskAdvanced       = "task.advanced"
	TaskRetry          = "task.retry"
	TaskRetryExceeded  = "task.retry_exceeded"
	TaskCompleted      = "task.completed"
	TaskStopped        = "task.stopped"
	TaskExpired        = "task.expired"
	TaskRecovered      = "task.recovered"
	TaskFinalizeFailed = "task.finalize_failed"
)

// Entry is a single link in the chain.
type Entry struct {
	Seq       int64          `json:"seq"` // insert order; the chain follows it
	ID        string         `json:"id"` // UUID v7 (time-ordered)
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id"`
	Identity  string         `json:"identity"`
	Content   map[string]any `json:"content"`
	Hash      string         `json:"hash"`      // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"` // hash of the previous entry
}

// Store is the contract for journal persistence.
type Store interface {
	Append(ctx context.Context, eventType, taskID, identity string, content map[string]any) (*Entry, error)
	// ByTask returns a task's entries in chronological order.
	ByTask(ctx context.Context, taskID string, limit int) ([]Entry, error)
	// Recent returns the newest entries first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	// VerifyChain walks the whole log and checks every hash link.
	VerifyChain(ctx context.Context) error
	EnsureTable(ctx context.Context) error
}

func computeHash(prevHash, id, eventType, taskID, identity string, timestamp time.Time, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, id, eventType, taskID, identity, timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// verify checks that entries, in chain order, link and hash correctly.
func verify(entries []Entry, marshal func(map[string]any) []byte) error {
	prevHash := ""
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("entry %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prevHash)
		}
		want := computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Identity, e.Timestamp, marshal(e.Content))
		if e.Hash != want {
			return fmt.Errorf("entry %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, want)
		}
		prevHash = e.Hash
	}
	return nil
}

func unmarshalContent(b []byte) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}
