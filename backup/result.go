package backup

import (
	"fmt"
	"time"
)

// Op is the operation performed on a repository during a run
type Op string

const (
	OpClone Op = "clone"
	OpFetch Op = "fetch"
	OpSkip  Op = "skip"
)

// Result is the outcome of a single repository in a run
type Result struct {
	Repo        string
	Op          Op
	Duration    time.Duration
	UpdatedRefs []string
	Err         error
}

// Success returns true if operation completed without error
func (r Result) Success() bool {
	return r.Err == nil
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v", r.Repo, r.Op, r.Err)
	}
	return fmt.Sprintf("%s: %s done in %s", r.Repo, r.Op, r.Duration.Round(time.Millisecond))
}

// Failed returns results which ended in failure
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Success() {
			failed = append(failed, r)
		}
	}
	return failed
}

// CleanupError is returned when broken mirror could not be removed
type CleanupError struct {
	Repo string
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("unable to remove broken mirror %s at %s: %v", e.Repo, e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
