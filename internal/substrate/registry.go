package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Substrate reports executor liveness for a worker handle.
type Substrate interface {
	IsAlive(ctx context.Context, handle string) (bool, error)
}

// Registry issues and probes per-job lock files under one directory.
type Registry struct {
	dir  string
	mu   sync.Mutex
	held map[string]*flock.Flock
}

// NewRegistry prepares the lock directory.
func NewRegistry(dir string) (*Registry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("substrate: lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("substrate: create lock directory: %w", err)
	}
	return &Registry{dir: dir, held: make(map[string]*flock.Flock)}, nil
}

// Lease is an exclusive hold on a job's lock file.
type Lease struct {
	registry *Registry
	handle   string
	once     sync.Once
	err      error
}

// Handle identifies the lease for IsAlive; it is stored on the job record.
func (l *Lease) Handle() string {
	return l.handle
}

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.registry.release(l.handle)
	})
	return l.err
}

// Acquire takes the lock for a job. It fails when another executor already
// holds it.
func (r *Registry) Acquire(jobID string) (*Lease, error) {
	name := sanitize(jobID)
	if name == "" {
		return nil, errors.New("substrate: job id is required")
	}
	handle := filepath.Join(r.dir, name+".lock")

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[handle]; ok {
		return nil, fmt.Errorf("substrate: job %s already running in this process", jobID)
	}
	lock := flock.New(handle)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("substrate: lock %s: %w", handle, err)
	}
	if !ok {
		return nil, fmt.Errorf("substrate: job %s held by another executor", jobID)
	}
	r.held[handle] = lock
	return &Lease{registry: r, handle: handle}, nil
}

func (r *Registry) release(handle string) error {
	r.mu.Lock()
	lock, ok := r.held[handle]
	delete(r.held, handle)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(handle); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Unlock()
		return fmt.Errorf("substrate: remove %s: %w", handle, err)
	}
	return lock.Unlock()
}

// IsAlive reports whether some executor still holds the handle's lock. An
// empty handle or a missing lock file means nothing is running.
func (r *Registry) IsAlive(ctx context.Context, handle string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(handle) == "" {
		return false, nil
	}
	r.mu.Lock()
	_, mine := r.held[handle]
	r.mu.Unlock()
	if mine {
		return true, nil
	}
	if _, err := os.Stat(handle); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	probe := flock.New(handle)
	ok, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("substrate: probe %s: %w", handle, err)
	}
	if ok {
		// Nobody held it; the executor died without cleaning up.
		_ = os.Remove(handle)
		_ = probe.Unlock()
		return false, nil
	}
	return true, nil
}

// Held returns the number of leases this registry holds.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func sanitize(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
