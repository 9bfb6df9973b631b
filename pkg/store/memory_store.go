package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"formbot/pkg/domain"
)

// MemoryStore keeps profiles and submissions in-process. Transactions buffer
// their writes and apply them atomically on commit; a commit that would
// update a row deleted meanwhile fails with ErrConflict.
type MemoryStore struct {
	mu          sync.RWMutex
	profiles    map[int64]domain.UserProfile
	submissions map[int64]domain.Submission
	nextID      int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:    make(map[int64]domain.UserProfile),
		submissions: make(map[int64]domain.Submission),
	}
}

// InTx runs fn against a buffered view and commits its writes on success.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemoryTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetOrCreateProfile(ctx context.Context, userID int64, displayName string, initial domain.ConversationState) (domain.UserProfile, error) {
	var p domain.UserProfile
	err := m.InTx(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetOrCreateProfile(ctx, userID, displayName, initial)
		return err
	})
	return p, err
}

func (m *MemoryStore) SaveProfile(ctx context.Context, p domain.UserProfile) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.SaveProfile(ctx, p) })
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, s domain.Submission) (int64, error) {
	var id int64
	err := m.InTx(ctx, func(tx Tx) error {
		var err error
		id, err = tx.CreateSubmission(ctx, s)
		return err
	})
	return id, err
}

func (m *MemoryStore) ListSubmissionsByUser(ctx context.Context, userID int64) ([]domain.Submission, error) {
	return newMemoryTx(m).ListSubmissionsByUser(ctx, userID)
}

func (m *MemoryStore) UpdateSubmission(ctx context.Context, s domain.Submission) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateSubmission(ctx, s) })
}

func (m *MemoryStore) DeleteSubmission(ctx context.Context, id int64) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.DeleteSubmission(ctx, id) })
}

func (m *MemoryStore) ListIncompleteOlderThan(ctx context.Context, threshold time.Time) ([]domain.Submission, error) {
	return newMemoryTx(m).ListIncompleteOlderThan(ctx, threshold)
}

func (m *MemoryStore) ListCompleted(ctx context.Context) ([]domain.Submission, error) {
	return newMemoryTx(m).ListCompleted(ctx)
}

func (m *MemoryStore) allocateID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

type memoryTx struct {
	base     *MemoryStore
	profiles map[int64]domain.UserProfile
	upserts  map[int64]domain.Submission
	created  map[int64]struct{}
	deleted  map[int64]struct{}
}

func newMemoryTx(base *MemoryStore) *memoryTx {
	return &memoryTx{
		base:     base,
		profiles: make(map[int64]domain.UserProfile),
		upserts:  make(map[int64]domain.Submission),
		created:  make(map[int64]struct{}),
		deleted:  make(map[int64]struct{}),
	}
}

func (t *memoryTx) commit() error {
	t.base.mu.Lock()
	defer t.base.mu.Unlock()
	for id := range t.upserts {
		if _, isNew := t.created[id]; isNew {
			continue
		}
		if _, ok := t.base.submissions[id]; !ok {
			return ErrConflict
		}
	}
	for id, s := range t.upserts {
		t.base.submissions[id] = s
	}
	for id := range t.deleted {
		delete(t.base.submissions, id)
	}
	for id, p := range t.profiles {
		t.base.profiles[id] = p
	}
	return nil
}

func (t *memoryTx) GetOrCreateProfile(_ context.Context, userID int64, displayName string, initial domain.ConversationState) (domain.UserProfile, error) {
	if p, ok := t.profiles[userID]; ok {
		return p, nil
	}
	t.base.mu.RLock()
	p, ok := t.base.profiles[userID]
	t.base.mu.RUnlock()
	if ok {
		return p, nil
	}
	now := time.Now().UTC()
	p = domain.UserProfile{
		UserID:      userID,
		DisplayName: displayName,
		State:       initial,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.profiles[userID] = p
	return p, nil
}

func (t *memoryTx) SaveProfile(_ context.Context, p domain.UserProfile) error {
	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	t.profiles[p.UserID] = p
	return nil
}

func (t *memoryTx) CreateSubmission(_ context.Context, s domain.Submission) (int64, error) {
	s.ID = t.base.allocateID()
	t.upserts[s.ID] = s
	t.created[s.ID] = struct{}{}
	return s.ID, nil
}

func (t *memoryTx) UpdateSubmission(_ context.Context, s domain.Submission) error {
	current, ok := t.lookup(s.ID)
	if !ok {
		return ErrNotFound
	}
	s.UserID = current.UserID
	s.CreatedAt = current.CreatedAt
	t.upserts[s.ID] = s
	return nil
}

func (t *memoryTx) DeleteSubmission(_ context.Context, id int64) error {
	if _, isNew := t.created[id]; isNew {
		delete(t.created, id)
		delete(t.upserts, id)
		return nil
	}
	delete(t.upserts, id)
	t.deleted[id] = struct{}{}
	return nil
}

func (t *memoryTx) ListSubmissionsByUser(_ context.Context, userID int64) ([]domain.Submission, error) {
	res := t.filter(func(s domain.Submission) bool { return s.UserID == userID })
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (t *memoryTx) ListIncompleteOlderThan(_ context.Context, threshold time.Time) ([]domain.Submission, error) {
	return t.filter(func(s domain.Submission) bool {
		return !s.Completed && s.CreatedAt.Before(threshold)
	}), nil
}

func (t *memoryTx) ListCompleted(_ context.Context) ([]domain.Submission, error) {
	return t.filter(func(s domain.Submission) bool { return s.Completed }), nil
}

func (t *memoryTx) lookup(id int64) (domain.Submission, bool) {
	if s, ok := t.upserts[id]; ok {
		return s, true
	}
	if _, gone := t.deleted[id]; gone {
		return domain.Submission{}, false
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	s, ok := t.base.submissions[id]
	return s, ok
}

// filter returns matching rows of the merged view in ID order.
func (t *memoryTx) filter(keep func(domain.Submission) bool) []domain.Submission {
	merged := make(map[int64]domain.Submission)
	t.base.mu.RLock()
	for id, s := range t.base.submissions {
		merged[id] = s
	}
	t.base.mu.RUnlock()
	for id := range t.deleted {
		delete(merged, id)
	}
	for id, s := range t.upserts {
		merged[id] = s
	}
	res := make([]domain.Submission, 0, len(merged))
	for _, s := range merged {
		if keep(s) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
