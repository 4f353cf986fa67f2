package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store. It mirrors the sqlite
// driver's conditional-update semantics so tests exercise the same
// cancel-vs-deliver guarantees.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	anns   map[int64]Announcement
	audit  []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, anns: map[int64]Announcement{}}
}

func (m *Memory) Create(ctx context.Context, a Announcement) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID
	m.nextID++
	a.Triggered = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.anns[a.ID] = a
	return a.ID, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anns[id]
	if !ok {
		return Announcement{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) Due(ctx context.Context, now time.Time) ([]Announcement, error) {
	return m.filter(func(a Announcement) bool {
		return !a.Triggered && !a.TriggerAt.After(now)
	}), nil
}

func (m *Memory) Pending(ctx context.Context, now time.Time) ([]Announcement, error) {
	return m.filter(func(a Announcement) bool {
		return !a.Triggered && !a.TriggerAt.Before(now)
	}), nil
}

func (m *Memory) filter(keep func(Announcement) bool) []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Announcement
	for _, a := range m.anns {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) MarkTriggered(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anns[id]
	if !ok || a.Triggered {
		return false, nil
	}
	a.Triggered = true
	m.anns[id] = a
	return true, nil
}

func (m *Memory) AppendContent(ctx context.Context, id int64, suffix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anns[id]
	if !ok {
		return ErrNotFound
	}
	a.Content += suffix
	m.anns[id] = a
	return nil
}

func (m *Memory) Delete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anns[id]
	if !ok || a.Triggered {
		return false, nil
	}
	delete(m.anns, id)
	return true, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var dropped int64
	for _, e := range m.audit {
		if e.At.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return dropped, nil
}

func (m *Memory) Close() error { return nil }
