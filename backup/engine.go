// Package backup reconciles local bare mirrors of a GitHub account with its
// remote repository inventory.
//
// A run lists the inventory of the configured scope, classifies the local
// mirror of every repository, removes broken mirrors when cleanup is enabled
// and then clones new repositories and fetches healthy ones using a bounded
// pool of workers. Every repository yields exactly one Result, failure of one
// repository never affects the others.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/utilitywarehouse/git-backup/internal/lock"
	"github.com/utilitywarehouse/git-backup/inventory"
	"github.com/utilitywarehouse/git-backup/repository"
)

const maxDefaultWorkers = 8

// Lister lists remote repositories of the given scope
type Lister interface {
	Fetch(ctx context.Context, scope inventory.Scope) (inventory.Inventory, error)
}

// Config is the configuration of a backup run
type Config struct {
	// Root is the absolute path of the backup dir, mirrors are
	// created in <Root>/<Scope.Name>/<repo>
	Root string

	// Scope selects the account whose repositories are mirrored
	Scope inventory.Scope

	// Cleanup enables removal of broken mirrors
	Cleanup bool

	// Workers is the number of concurrent clone and fetch operations
	Workers int

	// GitGC garbage collection mode used after fetch
	GitGC string
}

// DefaultWorkers returns number of CPUs capped at 8
func DefaultWorkers() int {
	return min(runtime.NumCPU(), maxDefaultWorkers)
}

// Engine runs backups of a single scope.
type Engine struct {
	conf     Config
	scopeDir string
	lister   Lister
	creds    repository.CredentialProvider
	gitExec  string
	envs     []string
	locks    *lock.PathLocks
	log      *slog.Logger

	// remove deletes a broken mirror
	remove func(m *repository.Mirror) error
}

// task is a single repository moving through the run
type task struct {
	idx         int
	name        string
	mirror      *repository.Mirror
	disposition repository.Disposition
	// err is classification, cleanup or cancellation error
	err error
}

// New creates backup engine. credentials are passed to every clone and fetch.
func New(conf Config, lister Lister, creds repository.CredentialProvider, gitExec string, envs []string, log *slog.Logger) (*Engine, error) {
	if lister == nil {
		return nil, fmt.Errorf("repository lister is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if !filepath.IsAbs(conf.Root) {
		return nil, fmt.Errorf("backup root '%s' must be absolute", conf.Root)
	}
	if err := ValidateScopeName(conf.Scope.Name); err != nil {
		return nil, err
	}
	if conf.Workers <= 0 {
		conf.Workers = DefaultWorkers()
	}
	if conf.GitGC == "" {
		conf.GitGC = repository.GCAuto
	}
	if err := repository.ValidateGitGC(conf.GitGC); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		conf:     conf,
		scopeDir: filepath.Join(conf.Root, conf.Scope.Name),
		lister:   lister,
		creds:    creds,
		gitExec:  gitExec,
		envs:     envs,
		locks:    lock.NewPathLocks(),
		log:      log.With("scope", conf.Scope.String()),
		remove:   (*repository.Mirror).Remove,
	}, nil
}

// ValidateScopeName returns error if scope name can't be used as the name of
// the dir containing its mirrors
func ValidateScopeName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("scope name '%s' is not a valid dir name", name)
	}
	return nil
}

// ScopeDir returns the dir containing all mirrors of the scope
func (e *Engine) ScopeDir() string {
	return e.scopeDir
}

// Run performs a single backup run. It returns error only if the inventory
// could not be listed, otherwise it returns one result per repository
// sorted by repository name.
func (e *Engine) Run(ctx context.Context) ([]Result, error) {
	start := time.Now()

	inv, err := e.lister.Fetch(ctx, e.conf.Scope)
	if err != nil {
		return nil, err
	}
	e.log.Info("repository inventory listed", "repos", len(inv))

	names := inv.Names()
	tasks := make([]*task, 0, len(names))

	for i, name := range names {
		m, err := repository.NewMirror(repository.Config{
			Name:   name,
			Remote: inv[name],
			Root:   e.scopeDir,
			GitGC:  e.conf.GitGC,
		}, e.gitExec, e.envs, e.log)
		if err != nil {
			// repository without usable mirror path is reported as invalid
			tasks = append(tasks, &task{
				idx:         i,
				name:        name,
				disposition: repository.Invalid,
				err:         fmt.Errorf("%w: %v", repository.ErrInvalidPath, err),
			})
			continue
		}
		tasks = append(tasks, &task{idx: i, name: name, mirror: m})
	}

	for _, orphan := range e.orphans(inv) {
		e.log.Warn("mirror is no longer in the repository inventory", "repo", orphan, "path", filepath.Join(e.scopeDir, orphan))
	}

	e.sweepPartials(inv)

	e.classify(ctx, tasks)
	e.cleanup(ctx, tasks)
	results := e.dispatch(ctx, tasks)

	failed := len(Failed(results))
	e.log.Info("backup run complete", "repos", len(results), "failed", failed, "duration", time.Since(start).Round(time.Millisecond))

	return results, nil
}

// orphans returns names of mirror dirs in the scope dir which are not in the
// inventory. orphans are reported but never removed.
func (e *Engine) orphans(inv inventory.Inventory) []string {
	dirents, err := os.ReadDir(e.scopeDir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Error("unable to read scope dir", "path", e.scopeDir, "err", err)
		}
		return nil
	}

	var orphans []string
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		if _, ok := repository.PartialDirRepo(de.Name()); ok {
			continue
		}
		if _, ok := inv[de.Name()]; !ok {
			orphans = append(orphans, de.Name())
		}
	}
	return orphans
}

// sweepPartials removes partial clones of the inventory repositories left by
// an interrupted run.
func (e *Engine) sweepPartials(inv inventory.Inventory) {
	count, err := repository.RemoveStalePartials(e.scopeDir, func(dirName string) bool {
		name, _ := repository.PartialDirRepo(dirName)
		_, ok := inv[name]
		return !ok
	}, e.log)
	if err != nil {
		e.log.Error("unable to remove stale partial clones", "err", err)
	}
	if count > 0 {
		e.log.Info("removed stale partial clones", "count", count)
	}
}
