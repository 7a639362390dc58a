package backup

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/utilitywarehouse/git-backup/repository"
)

// classify sets disposition of all tasks concurrently. nothing is modified
// on disk.
func (e *Engine) classify(ctx context.Context, tasks []*task) {
	g := new(errgroup.Group)
	g.SetLimit(e.conf.Workers)

	for _, t := range tasks {
		if t.mirror == nil {
			continue
		}
		g.Go(func() error {
			t.disposition, t.err = t.mirror.Classify(ctx)
			// a git command killed by cancellation must not mark a
			// healthy mirror as broken
			if err := ctx.Err(); err != nil && t.disposition == repository.Broken {
				t.disposition, t.err = repository.Invalid, err
			}
			e.log.Debug("mirror classified", "repo", t.name, "disposition", t.disposition, "reason", t.err)
			return nil
		})
	}

	g.Wait()
}
