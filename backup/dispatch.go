package backup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utilitywarehouse/git-backup/repository"
)

// dispatch clones new and fetches healthy mirrors using a bounded pool of
// workers. each task writes only its own result slot.
func (e *Engine) dispatch(ctx context.Context, tasks []*task) []Result {
	results := make([]Result, len(tasks))

	g := new(errgroup.Group)
	g.SetLimit(e.conf.Workers)

	for _, t := range tasks {
		g.Go(func() error {
			results[t.idx] = e.sync(ctx, t)
			return nil
		})
	}

	g.Wait()
	return results
}

// sync performs operation based on task's disposition and returns its result
func (e *Engine) sync(ctx context.Context, t *task) (res Result) {
	res = Result{Repo: t.name}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("recovered from panic", "repo", t.name, "panic", r, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("panic during %s: %v", res.Op, r)
		}
		res.Duration = time.Since(start)
		e.logResult(res)
		recordResult(res)
	}()

	switch t.disposition {
	case repository.New:
		res.Op = OpClone
	case repository.Healthy:
		res.Op = OpFetch
	default:
		// invalid or broken mirror which wasn't removed
		res.Op = OpSkip
		res.Err = t.err
		return res
	}

	// repositories not yet started when run is cancelled
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	unlock := e.locks.Lock(t.mirror.Directory())
	defer unlock()

	switch res.Op {
	case OpClone:
		res.Err = t.mirror.Clone(ctx, e.creds)
	case OpFetch:
		res.UpdatedRefs, res.Err = t.mirror.Fetch(ctx, e.creds)
		if errors.Is(res.Err, repository.ErrHeadNotBranch) {
			res.Op = OpSkip
		}
	}
	return res
}

func (e *Engine) logResult(res Result) {
	if res.Err != nil {
		e.log.Error("repository sync failed", "repo", res.Repo, "op", res.Op, "err", res.Err)
		return
	}
	e.log.Info("repository synced", "repo", res.Repo, "op", res.Op, "updated-refs", len(res.UpdatedRefs), "duration", res.Duration.Round(time.Millisecond))
}
