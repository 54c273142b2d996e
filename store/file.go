package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/onnwee/stream-herald/notify"
)

// fileVersion is bumped when the document layout changes incompatibly.
const fileVersion = 1

type fileDocument struct {
	Version  int                            `json:"version"`
	Subjects []notify.Subject               `json:"subjects"`
	States   map[string]notify.SubjectState `json:"states"`
}

// FileStore keeps everything in memory and rewrites one JSON document on
// every mutation: temp file, fsync, rename over the target, fsync the directory.
type FileStore struct {
	path string

	mu       sync.RWMutex
	subjects map[string]notify.Subject
	states   map[string]notify.SubjectState
}

// OpenFileStore loads path if it exists. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:     path,
		subjects: make(map[string]notify.Subject),
		states:   make(map[string]notify.SubjectState),
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("state file %s has version %d, newest supported is %d", path, doc.Version, fileVersion)
	}
	for _, s := range doc.Subjects {
		fs.subjects[s.Key()] = s
	}
	for k, st := range doc.States {
		if st.SubjectKey == "" {
			st.SubjectKey = k
		}
		fs.states[k] = st
	}
	slog.Info("state file loaded", slog.String("path", path), slog.Int("subjects", len(fs.subjects)), slog.Int("states", len(fs.states)), slog.String("component", "store"))
	return fs, nil
}

func (f *FileStore) Get(_ context.Context, key string) (notify.SubjectState, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[key]
	return st.Clone(), ok, nil
}

func (f *FileStore) Put(_ context.Context, st notify.SubjectState) error {
	if st.SubjectKey == "" {
		return fmt.Errorf("put: subject key empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.states[st.SubjectKey]
	f.states[st.SubjectKey] = st.Clone()
	if err := f.flushLocked(); err != nil {
		if had {
			f.states[st.SubjectKey] = prev
		} else {
			delete(f.states, st.SubjectKey)
		}
		return err
	}
	return nil
}

func (f *FileStore) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.states[key]
	if !had {
		return nil
	}
	delete(f.states, key)
	if err := f.flushLocked(); err != nil {
		f.states[key] = prev
		return err
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]notify.SubjectState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]notify.SubjectState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st.Clone())
	}
	sortStates(out)
	return out, nil
}

func (f *FileStore) AddSubject(_ context.Context, s notify.Subject) error {
	if err := s.Validate(); err != nil {
		return err
	}
	key := s.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subjects[key]; ok {
		return ErrSubjectExists
	}
	f.subjects[key] = s
	if err := f.flushLocked(); err != nil {
		delete(f.subjects, key)
		return err
	}
	return nil
}

func (f *FileStore) RemoveSubject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subjects[key]
	if !ok {
		return ErrSubjectNotFound
	}
	st, hadState := f.states[key]
	delete(f.subjects, key)
	delete(f.states, key)
	if err := f.flushLocked(); err != nil {
		f.subjects[key] = sub
		if hadState {
			f.states[key] = st
		}
		return err
	}
	return nil
}

func (f *FileStore) Subjects(_ context.Context) ([]notify.Subject, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]notify.Subject, 0, len(f.subjects))
	for _, s := range f.subjects {
		out = append(out, s)
	}
	sortSubjects(out)
	return out, nil
}

func (f *FileStore) HasSubject(_ context.Context, key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.subjects[key]
	return ok, nil
}

// Ping checks the target directory is still writable.
func (f *FileStore) Ping(_ context.Context) error {
	dir := filepath.Dir(f.path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

// flushLocked writes the full document. Caller holds f.mu.
func (f *FileStore) flushLocked() error {
	doc := fileDocument{
		Version:  fileVersion,
		Subjects: make([]notify.Subject, 0, len(f.subjects)),
		States:   f.states,
	}
	for _, s := range f.subjects {
		doc.Subjects = append(doc.Subjects, s)
	}
	sortSubjects(doc.Subjects)
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeFileAtomic(f.path, raw)
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	if d, derr := os.Open(dir); derr == nil {
		if serr := d.Sync(); serr != nil {
			slog.Debug("state dir fsync failed", slog.Any("err", serr), slog.String("component", "store"))
		}
		_ = d.Close()
	}
	return nil
}
