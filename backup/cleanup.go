package backup

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/utilitywarehouse/git-backup/repository"
)

// cleanup removes broken mirrors if cleanup is enabled. removed mirrors are
// classified as New so they are cloned in the same run. mirrors which could
// not be removed stay broken and are skipped.
func (e *Engine) cleanup(ctx context.Context, tasks []*task) {
	g := new(errgroup.Group)
	g.SetLimit(e.conf.Workers)

	for _, t := range tasks {
		if t.disposition != repository.Broken {
			continue
		}

		if !e.conf.Cleanup {
			e.log.Warn("broken mirror found, cleanup is disabled", "repo", t.name, "path", t.mirror.Directory(), "reason", t.err)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				t.err = err
				return nil
			}

			unlock := e.locks.Lock(t.mirror.Directory())
			defer unlock()

			e.log.Info("removing broken mirror", "repo", t.name, "path", t.mirror.Directory(), "reason", t.err)
			if err := e.remove(t.mirror); err != nil {
				e.log.Error("unable to remove broken mirror", "repo", t.name, "err", err)
				t.err = &CleanupError{Repo: t.name, Path: t.mirror.Directory(), Err: err}
				return nil
			}

			t.disposition, t.err = repository.New, nil
			return nil
		})
	}

	g.Wait()
}
