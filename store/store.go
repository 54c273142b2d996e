// Package store persists monitored subjects and their notification state.
// Three backends implement Store: a JSON file (default), Postgres and Redis.
// Every mutating call is durable before it returns so a restart reloads
// exactly what was last written.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/onnwee/stream-herald/notify"
)

var (
	ErrSubjectExists   = errors.New("subject already monitored")
	ErrSubjectNotFound = errors.New("subject not monitored")
)

// Store is the single owner of persisted state. Callers serialize mutation of
// one subject with a Locker; the store itself only guards its own structures.
type Store interface {
	Get(ctx context.Context, key string) (notify.SubjectState, bool, error)
	Put(ctx context.Context, st notify.SubjectState) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context) ([]notify.SubjectState, error)

	AddSubject(ctx context.Context, s notify.Subject) error
	// RemoveSubject drops the subject and its state.
	RemoveSubject(ctx context.Context, key string) error
	// Subjects returns a copy of the registry ordered by key.
	Subjects(ctx context.Context) ([]notify.Subject, error)
	HasSubject(ctx context.Context, key string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// SubjectsOfKind filters a registry snapshot.
func SubjectsOfKind(ctx context.Context, s Store, kind notify.SourceKind) ([]notify.Subject, error) {
	all, err := s.Subjects(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sub := range all {
		if sub.Kind == kind {
			out = append(out, sub)
		}
	}
	return out, nil
}

func sortSubjects(subs []notify.Subject) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Key() < subs[j].Key() })
}

func sortStates(states []notify.SubjectState) {
	sort.Slice(states, func(i, j int) bool { return states[i].SubjectKey < states[j].SubjectKey })
}

// Locker hands out one mutex per subject key. There is no cross-subject lock.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocker() *Locker { return &Locker{locks: make(map[string]*sync.Mutex)} }

func (l *Locker) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Lock blocks until key is free and returns the unlock func.
func (l *Locker) Lock(key string) func() {
	m := l.get(key)
	m.Lock()
	return m.Unlock
}

// TryLock returns ok=false without blocking when key is held.
func (l *Locker) TryLock(key string) (unlock func(), ok bool) {
	m := l.get(key)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// Forget drops the mutex for a removed subject. Callers must not hold it.
func (l *Locker) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
}
