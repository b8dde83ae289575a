package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process journal.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Append(_ context.Context, eventType, taskID, identity string, content map[string]any) (*Entry, error) {
	if content == nil {
		content = map[string]any{}
	}
	contentJSON := marshalContent(content)
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	if n := len(s.entries); n > 0 {
		prevHash = s.entries[n-1].Hash
	}
	e := Entry{
		Seq:       int64(len(s.entries) + 1),
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Timestamp: s.now().Truncate(time.Microsecond),
		TaskID:    taskID,
		Identity:  identity,
		PrevHash:  prevHash,
	}
	// Store the content as it would come back from the database.
	e.Content = unmarshalContent(contentJSON)
	e.Hash = computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Identity, e.Timestamp, contentJSON)
	s.entries = append(s.entries, e)
	return &e, nil
}

func (s *MemStore) ByTask(_ context.Context, taskID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TaskID == taskID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemStore) VerifyChain(context.Context) error {
	s.mu.Lock()
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()
	return verify(entries, marshalContent)
}

// tamper replaces the content of entry i. Tests use it to break the chain.
func (s *MemStore) tamper(i int, content map[string]any) {
	s.mu.Lock()
	s.entries[i].Content = content
	s.mu.Unlock()
}
