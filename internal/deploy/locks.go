package deploy

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// projectLocks hands out one holder per project name at a time. Inside the
// process a buffered channel per name is the mutex; across processes a
// flock on <dir>/<escaped name>.lock backs it up.
type projectLocks struct {
	dir string

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
	// remove deletes the lock file on the next release.
	remove bool
}

func newProjectLocks(dir string) *projectLocks {
	return &projectLocks{dir: dir, entries: make(map[string]*lockEntry)}
}

// acquire blocks until name is free or ctx ends. The returned release func
// is safe to call more than once.
func (l *projectLocks) acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[name]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[name] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(name, e)
		return nil, ctx.Err()
	}

	var fl *flock.Flock
	if l.dir != "" {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			<-e.sem
			l.drop(name, e)
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
		fl = flock.New(l.path(name))
		locked, err := fl.TryLockContext(ctx, lockRetryDelay)
		if err != nil || !locked {
			<-e.sem
			l.drop(name, e)
			if err == nil {
				err = ctx.Err()
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			remove := e.remove
			e.remove = false
			l.mu.Unlock()
			if fl != nil {
				if remove {
					_ = os.Remove(fl.Path())
				}
				_ = fl.Unlock()
			}
			<-e.sem
			l.drop(name, e)
		})
	}, nil
}

// path is the lock file of name. The name is escaped so it always stays a
// single entry inside dir.
func (l *projectLocks) path(name string) string {
	return filepath.Join(l.dir, url.PathEscape(name)+".lock")
}

// discard marks name's lock file for removal when its holder releases it.
func (l *projectLocks) discard(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		e.remove = true
	}
}

func (l *projectLocks) drop(name string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}

// held reports how many callers hold or wait on name.
func (l *projectLocks) held(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		return e.refs
	}
	return 0
}
