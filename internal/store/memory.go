package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps question sets in process memory. Save transactions are
// serialized and applied copy-on-write, so a failed transaction leaves no
// trace. It backs development runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	nextSetID int64
	nextLogID int64
	sets      map[string]*memorySet
	logs      []SyncLogEntry
	now       func() time.Time
}

type memorySet struct {
	set       QuestionSet
	questions []json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets: make(map[string]*memorySet),
		now:  time.Now,
	}
}

func (s *MemoryStore) WithinSaveTx(ctx context.Context, ownerID string, fn func(ctx context.Context, tx SaveTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memorySaveTx{store: s, ownerID: ownerID}
	if current, ok := s.sets[ownerID]; ok {
		staged := *current
		tx.staged = &staged
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx.staged != nil {
		s.sets[ownerID] = tx.staged
	}
	if tx.createdID != 0 {
		s.nextSetID = tx.createdID
	}
	for _, entry := range tx.logs {
		s.appendLogLocked(entry)
	}
	return nil
}

type memorySaveTx struct {
	store     *MemoryStore
	ownerID   string
	staged    *memorySet
	createdID int64
	logs      []SyncLogEntry
}

func (t *memorySaveTx) LockSet(_ context.Context, name string) (QuestionSet, bool, error) {
	if t.staged != nil {
		return cloneSet(t.staged.set), false, nil
	}
	now := t.store.now()
	t.createdID = t.store.nextSetID + 1
	t.staged = &memorySet{set: QuestionSet{
		ID:        t.createdID,
		OwnerID:   t.ownerID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return cloneSet(t.staged.set), true, nil
}

func (t *memorySaveTx) AdvanceVersion(_ context.Context, setID, expected int64, name string, state []byte) (int64, error) {
	if t.staged == nil || t.staged.set.ID != setID || t.staged.set.Version != expected {
		return 0, ErrVersionMismatch
	}
	t.staged.set.Name = name
	t.staged.set.State = append([]byte(nil), state...)
	t.staged.set.Version++
	t.staged.set.UpdatedAt = t.store.now()
	return t.staged.set.Version, nil
}

func (t *memorySaveTx) ReplaceQuestions(_ context.Context, setID, rowsVersion int64, questions []json.RawMessage) error {
	if t.staged == nil || t.staged.set.ID != setID {
		return ErrNotFound
	}
	rows := make([]json.RawMessage, len(questions))
	for i, q := range questions {
		rows[i] = append(json.RawMessage(nil), q...)
	}
	t.staged.questions = rows
	t.staged.set.RowsVersion = rowsVersion
	return nil
}

func (t *memorySaveTx) AppendSyncLog(_ context.Context, entry SyncLogEntry) error {
	t.logs = append(t.logs, entry)
	return nil
}

func (s *MemoryStore) GetSetHead(ctx context.Context, ownerID string) (SetHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sets[ownerID]
	if !ok {
		return SetHead{}, ErrNotFound
	}
	return SetHead{ID: current.set.ID, Version: current.set.Version, RowsVersion: current.set.RowsVersion}, nil
}

func (s *MemoryStore) LoadSet(ctx context.Context, ownerID string) (LoadedSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return LoadedSet{}, err
	}
	current, ok := s.sets[ownerID]
	if !ok {
		return LoadedSet{}, ErrNotFound
	}
	out := LoadedSet{QuestionSet: cloneSet(current.set), Questions: make([]json.RawMessage, len(current.questions))}
	copy(out.Questions, current.questions)
	return out, nil
}

func (s *MemoryStore) InsertSyncLog(ctx context.Context, entry SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(entry)
	return nil
}

func (s *MemoryStore) appendLogLocked(entry SyncLogEntry) {
	s.nextLogID++
	entry.ID = s.nextLogID
	if len(entry.Delta) == 0 {
		entry.Delta = json.RawMessage(`{}`)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.logs = append(s.logs, entry)
}

func (s *MemoryStore) ListSyncLogs(ctx context.Context, ownerID string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]SyncLogEntry, 0)
	for i := len(s.logs) - 1; i >= 0 && len(items) < limit; i-- {
		if s.logs[i].OwnerID == ownerID {
			items = append(items, s.logs[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) SearchQuestions(ctx context.Context, ownerID, text string, limit int) ([]QuestionMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]QuestionMatch, 0)
	current, ok := s.sets[ownerID]
	if !ok {
		return matches, nil
	}
	needle := strings.ToLower(text)
	for pos, content := range current.questions {
		if len(matches) >= limit {
			break
		}
		var fields struct {
			Q    any `json:"q"`
			Sub  any `json:"sub"`
			Chap any `json:"chap"`
		}
		if err := json.Unmarshal(content, &fields); err != nil {
			continue
		}
		for _, v := range []any{fields.Q, fields.Sub, fields.Chap} {
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), needle) {
				matches = append(matches, QuestionMatch{SetID: current.set.ID, Position: pos, Content: content})
				break
			}
		}
	}
	return matches, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func cloneSet(set QuestionSet) QuestionSet {
	set.State = append([]byte(nil), set.State...)
	return set
}
