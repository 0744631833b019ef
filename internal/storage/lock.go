package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/git-pkgs/pkgserver/internal/core"
)

const lockRetryDelay = 10 * time.Millisecond

// Locker serializes read-modify-write cycles on a single package's index or metadata.
// Contention is scoped to one (ecosystem, name) pair. Within a process a keyed channel
// semaphore is used, and a flock(2) lock file extends the guarantee across processes
// sharing the same data root.
type Locker struct {
	dir string

	mu   sync.Mutex
	keys map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker places lock files under dir.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir, keys: make(map[string]*keyedLock)}
}

// Lock blocks until the lock for (eco, name) is held or ctx is done.
// The returned function releases it and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, eco core.Ecosystem, name string) (func(), error) {
	key := string(eco) + "/" + name
	kl := l.acquireRef(key)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key)
		return nil, ctx.Err()
	}

	path := filepath.Join(l.dir, string(eco), name+".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		<-kl.sem
		l.releaseRef(key)
		return nil, &core.StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	fl := flock.New(path)
	if _, err := fl.TryLockContext(ctx, lockRetryDelay); err != nil {
		<-kl.sem
		l.releaseRef(key)
		return nil, &core.StorageError{Op: "lock", Path: path, Err: err}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = fl.Unlock()
			<-kl.sem
			l.releaseRef(key)
		})
	}, nil
}

func (l *Locker) acquireRef(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.keys[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}
