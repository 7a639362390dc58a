package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/utilitywarehouse/git-backup/internal/utils"
)

type gcMode string

const (
	GCAuto       = "auto"
	GCAlways     = "always"
	GCAggressive = "aggressive"
	GCOff        = "off"
)

var (
	// Repository names on GitHub can contain
	// ASCII letters, digits, and the characters ., -, and _.
	repoNameRgx = regexp.MustCompile(`^[\w\-\.]+$`)
)

// CredentialProvider provides envs required by git to authenticate
// against given remote
type CredentialProvider interface {
	GitEnv(remote string) ([]string, error)
}

// Config represents the config for the mirror of a single remote repository
type Config struct {
	// Name of the repository, used as mirror dir name
	Name string

	// git URL of the remote repo to mirror
	Remote string

	// Root is the absolute path to the dir where mirror dir will be created
	Root string

	// GitGC garbage collection string. valid values are
	// 'auto', 'always', 'aggressive' or 'off'
	GitGC string
}

// Mirror represents the local bare mirror of the given remote.
type Mirror struct {
	name   string   // repository name
	remote string   // remote repo to mirror
	root   string   // absolute path to the dir containing mirror dir
	dir    string   // absolute path to the mirror dir
	gitGC  gcMode   // garbage collection after fetch
	cmd    string   // git executable
	envs   []string // envs which will be passed to all git commands
	log    *slog.Logger
}

// NewMirror creates mirror from the given config. Nothing is read or written on disk.
func NewMirror(conf Config, gitExec string, envs []string, log *slog.Logger) (*Mirror, error) {
	if !repoNameRgx.MatchString(conf.Name) || conf.Name == "." || conf.Name == ".." {
		return nil, fmt.Errorf("repository name '%s' is not a valid dir name", conf.Name)
	}

	if conf.Remote == "" {
		return nil, fmt.Errorf("remote url of '%s' cannot be empty", conf.Name)
	}

	if !filepath.IsAbs(conf.Root) {
		return nil, fmt.Errorf("mirror root '%s' must be absolute", conf.Root)
	}

	if conf.GitGC == "" {
		conf.GitGC = GCAuto
	}
	if err := ValidateGitGC(conf.GitGC); err != nil {
		return nil, err
	}

	if gitExec == "" {
		gitExec = "git"
	}

	if log == nil {
		log = slog.Default()
	}

	return &Mirror{
		name:   conf.Name,
		remote: conf.Remote,
		root:   conf.Root,
		dir:    filepath.Join(conf.Root, conf.Name),
		gitGC:  gcMode(conf.GitGC),
		cmd:    gitExec,
		envs:   envs,
		log:    log.With("repo", conf.Name),
	}, nil
}

// ValidateGitGC returns error if given gc mode is not supported
func ValidateGitGC(mode string) error {
	switch mode {
	case GCAuto, GCAlways, GCAggressive, GCOff:
		return nil
	}
	return fmt.Errorf("wrong gc value provided, must be one of %s, %s, %s, %s",
		GCAuto, GCAlways, GCAggressive, GCOff)
}

// Name returns repository name
func (m *Mirror) Name() string {
	return m.name
}

// Remote returns remote url of the mirror
func (m *Mirror) Remote() string {
	return m.remote
}

// Directory returns absolute path of the mirror dir
func (m *Mirror) Directory() string {
	return m.dir
}

// Classify examines mirror dir and returns its disposition.
// for Broken and Invalid mirrors returned error describes the reason.
// Classify doesn't modify anything on disk.
func (m *Mirror) Classify(ctx context.Context) (Disposition, error) {
	fi, err := os.Stat(m.dir)
	switch {
	case os.IsNotExist(err):
		return New, nil
	case err != nil:
		return Invalid, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	case !fi.IsDir():
		return Invalid, ErrInvalidPath
	}

	if err := m.openBare(ctx); err != nil {
		return Broken, fmt.Errorf("%w: %v", ErrBrokenMirror, err)
	}
	return Healthy, nil
}

// openBare makes sure that the mirror dir is the root of a bare repository
func (m *Mirror) openBare(ctx context.Context) error {
	if empty, err := utils.DirIsEmpty(m.dir); err != nil {
		return err
	} else if empty {
		return fmt.Errorf("directory is empty")
	}

	// git rev-parse --is-bare-repository
	if ok, err := m.git(ctx, nil, m.dir, "rev-parse", "--is-bare-repository"); err != nil {
		return err
	} else if ok != "true" {
		return fmt.Errorf("not a bare repository")
	}

	// Check that this is actually the root of the repo.
	// git rev-parse --absolute-git-dir
	if root, err := m.git(ctx, nil, m.dir, "rev-parse", "--absolute-git-dir"); err != nil {
		return err
	} else if !utils.SamePath(root, m.dir) {
		return fmt.Errorf("directory is under another repository %s", root)
	}

	return nil
}

// Remove deletes mirror dir and all its contents
func (m *Mirror) Remove() error {
	m.log.Info("removing mirror directory", "path", m.dir)
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("unable to remove mirror dir err:%w", err)
	}
	return nil
}

// Clone creates new bare mirror of the remote. clone is done in a temporary
// sibling dir which is renamed to mirror dir only on success. on failure or
// cancellation the temporary dir is removed.
func (m *Mirror) Clone(ctx context.Context, creds CredentialProvider) (err error) {
	defer func() {
		if err != nil {
			err = &SyncError{Op: OpClone, Repo: m.name, Err: err}
		}
	}()

	authEnvs, err := creds.GitEnv(m.remote)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.root, utils.DefaultDirMode); err != nil {
		return fmt.Errorf("unable to create mirror root err:%w", err)
	}

	partial := filepath.Join(m.root, partialDirName(m.name))
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(partial); rmErr != nil {
			m.log.Error("unable to remove partial clone", "path", partial, "err", rmErr)
		}
	}()

	m.log.Info("cloning repository", "path", m.dir)
	// git clone --bare --no-progress -- <remote> <partial>
	if _, err := m.git(ctx, authEnvs, m.root, "clone", "--bare", "--no-progress", "--", m.remote, partial); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(partial, m.dir); err != nil {
		return fmt.Errorf("unable to move clone into place err:%w", err)
	}

	return nil
}

// Fetch updates the branch referenced by mirror's HEAD from the "origin"
// remote. only that branch is fetched. it returns list of updated refs.
func (m *Mirror) Fetch(ctx context.Context, creds CredentialProvider) (refs []string, err error) {
	defer func() {
		if err != nil {
			err = &SyncError{Op: OpFetch, Repo: m.name, Err: err}
		}
	}()

	branch, err := m.headBranch(ctx)
	if err != nil {
		return nil, err
	}

	authEnvs, err := creds.GitEnv(m.remote)
	if err != nil {
		return nil, err
	}

	if err := m.ensureOrigin(ctx); err != nil {
		return nil, err
	}

	refSpec := fmt.Sprintf("+%s:%s", branch, branch)

	// adding --porcelain so output can be parsed for updated refs
	// git fetch origin --no-progress --porcelain --no-auto-gc +<branch>:<branch>
	out, err := m.git(ctx, authEnvs, m.dir, "fetch", "origin", "--no-progress", "--porcelain", "--no-auto-gc", refSpec)
	if err != nil {
		// mirror of an empty repository has nothing to fetch until the
		// first commit is pushed upstream
		if isMissingRemoteRef(err) && !m.hasCommit(ctx, branch) {
			m.log.Debug("remote repository is empty", "branch", branch)
			return nil, nil
		}
		return nil, err
	}
	refs = updatedRefs(out)

	if len(refs) > 0 {
		if err := m.gc(ctx); err != nil {
			// gc failure doesn't invalidate fetched objects
			m.log.Error("git gc failed", "err", err)
		}
	}

	m.log.Debug("fetched branch", "branch", branch, "updated-refs", len(refs))
	return refs, nil
}

// hasCommit returns true if given ref exists and points to a commit
func (m *Mirror) hasCommit(ctx context.Context, ref string) bool {
	// git rev-parse --verify --quiet <ref>^{commit}
	_, err := m.git(ctx, nil, m.dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

func isMissingRemoteRef(err error) bool {
	var cmdErr *utils.CommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "couldn't find remote ref")
}

// headBranch returns full ref name of the branch HEAD is pointing to
func (m *Mirror) headBranch(ctx context.Context) (string, error) {
	// git symbolic-ref --quiet HEAD
	ref, err := m.git(ctx, nil, m.dir, "symbolic-ref", "--quiet", "HEAD")
	if err != nil {
		// exit status 1 is returned when HEAD is detached
		var cmdErr *utils.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
			return "", ErrHeadNotBranch
		}
		return "", fmt.Errorf("unable to resolve HEAD err:%w", err)
	}
	if !strings.HasPrefix(ref, "refs/heads/") {
		return "", ErrHeadNotBranch
	}
	return ref, nil
}

// ensureOrigin makes sure "origin" remote points to the current remote url.
// repository can be renamed or transferred upstream.
func (m *Mirror) ensureOrigin(ctx context.Context) error {
	// git config --get remote.origin.url
	current, err := m.git(ctx, nil, m.dir, "config", "--get", "remote.origin.url")
	if err != nil {
		var cmdErr *utils.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.ExitCode() != 1 {
			return fmt.Errorf("can't get repo config remote.origin.url err:%w", err)
		}
		m.log.Info("origin remote missing, adding it", "remote", m.remote)
		// git remote add origin <remote>
		if _, err := m.git(ctx, nil, m.dir, "remote", "add", "origin", m.remote); err != nil {
			return fmt.Errorf("unable to add remote err:%w", err)
		}
		return nil
	}

	if current == m.remote {
		return nil
	}

	m.log.Info("updating origin remote url", "old", current, "new", m.remote)
	// git remote set-url origin <remote>
	if _, err := m.git(ctx, nil, m.dir, "remote", "set-url", "origin", m.remote); err != nil {
		return fmt.Errorf("unable to set remote err:%w", err)
	}
	return nil
}

// gc runs git's garbage collection based on configured mode
func (m *Mirror) gc(ctx context.Context) error {
	args := []string{"gc", "--quiet"}
	switch m.gitGC {
	case GCOff:
		return nil
	case GCAuto:
		args = append(args, "--auto")
	case GCAlways:
		// no extra flags
	case GCAggressive:
		args = append(args, "--aggressive")
	}
	_, err := m.git(ctx, nil, m.dir, args...)
	return err
}

// git runs git command with mirror's envs and given extra envs
func (m *Mirror) git(ctx context.Context, envs []string, cwd string, args ...string) (string, error) {
	allEnvs := append(append([]string{}, m.envs...), envs...)
	return utils.RunCommand(ctx, m.log, allEnvs, cwd, m.cmd, args...)
}

// DefaultGitExecutable returns path of the git executable found in PATH
func DefaultGitExecutable() string {
	if p, err := exec.LookPath("git"); err == nil {
		return p
	}
	return "git"
}
