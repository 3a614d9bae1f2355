// Package idempotency keeps the terminal response of each mint submission so
// that a retried request replays it instead of minting again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a stored mint response.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	RunID       string    `json:"runId"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewRecord stamps a response to be kept for window.
func NewRecord(statusCode int, contentType string, body []byte, runID string, window time.Duration) Record {
	now := time.Now().UTC()
	return Record{
		StatusCode:  statusCode,
		ContentType: contentType,
		Body:        body,
		RunID:       runID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
	}
}

// pendingRecord marks a key claimed by a run that has not finished. A crashed
// run holds its key until the lease runs out.
func pendingRecord(lease time.Duration) Record {
	now := time.Now().UTC()
	return Record{CreatedAt: now, ExpiresAt: now.Add(lease)}
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pending reports whether the record is a claim without a stored response.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

// Store abstracts record persistence. Get returns nil, nil for unknown or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Reserve atomically claims key for a new run. It returns nil, nil when the
	// caller now owns the key, otherwise the live record already held under it,
	// which may be pending.
	Reserve(ctx context.Context, key string, lease time.Duration) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	// Release drops a pending claim. Completed records stay.
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

var ErrEmptyKey = errors.New("idempotency key is empty")

// MemoryStore keeps records in process; they are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if rec.Expired(time.Now()) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, lease time.Duration) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.Expired(time.Now()) {
		return &rec, nil
	}
	m.data[key] = pendingRecord(lease)
	return nil, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending() {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single local instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	now := time.Now()
	for key, rec := range f.data {
		if rec.Expired(now) {
			delete(f.data, key)
		}
	}
	return nil
}

// persist writes through a temp file so a crash never leaves a truncated store.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.Expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Reserve(_ context.Context, key string, lease time.Duration) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.data[key]
	if existed && !previous.Expired(time.Now()) {
		return &previous, nil
	}
	f.data[key] = pendingRecord(lease)
	if err := f.persist(); err != nil {
		if existed {
			f.data[key] = previous
		} else {
			delete(f.data, key)
		}
		return nil, err
	}
	return nil, nil
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok || !rec.Pending() {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

// Ping checks the store directory is still writable.
func (f *FileStore) Ping(context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ping-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}
