package repository

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPath   = errors.New("mirror path exists but is not a directory")
	ErrBrokenMirror  = errors.New("mirror directory is not a valid bare repository")
	ErrHeadNotBranch = errors.New("HEAD is not a branch")
)

const (
	OpClone = "clone"
	OpFetch = "fetch"
)

// SyncError is returned when clone or fetch of a mirror fails
type SyncError struct {
	Op   string
	Repo string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Repo, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
