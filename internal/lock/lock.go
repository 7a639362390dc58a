// Package lock provides mutex types used across git-backup.
// Mutexes are backed by go-deadlock which reports locks that are waited on
// for longer than the configured deadlock timeout.
package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// clone of a large repository can hold a path lock for a long time
	deadlock.Opts.DeadlockTimeout = 30 * time.Minute
}

type Mutex = deadlock.Mutex

type RWMutex = deadlock.RWMutex

// PathLocks hands out one mutex per path. It is used to guarantee that only
// one git operation targets a given mirror directory at any time.
// A PathLocks is safe for concurrent use by multiple goroutines.
type PathLocks struct {
	mu    Mutex
	locks map[string]*Mutex
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*Mutex)}
}

// Lock locks the mutex of the given path and returns the function to unlock it.
func (pl *PathLocks) Lock(path string) (unlock func()) {
	pl.mu.Lock()
	m, ok := pl.locks[path]
	if !ok {
		m = &Mutex{}
		pl.locks[path] = m
	}
	pl.mu.Unlock()

	m.Lock()
	return m.Unlock
}
