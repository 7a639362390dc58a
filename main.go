package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/utilitywarehouse/git-backup/auth"
	"github.com/utilitywarehouse/git-backup/backup"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/inventory"
	"github.com/utilitywarehouse/git-backup/repository"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "user",
			Usage: "Backup repositories owned by the authenticated user with given login.",
		},
		&cli.StringFlag{
			Name:  "org",
			Usage: "Backup all repositories of the given organization.",
		},
		&cli.StringFlag{
			Name:    "to",
			Sources: cli.EnvVars("GIT_BACKUP_DIR"),
			Usage:   "Destination dir, mirrors are created in <to>/<user|org>/<repo>.",
		},
		&cli.StringFlag{
			Name:    "keyfile",
			Sources: cli.EnvVars("GIT_BACKUP_SSH_KEY"),
			Usage:   "Path to the private ssh key used for clone and fetch.",
		},
		&cli.StringFlag{
			Name:    "known-hosts",
			Sources: cli.EnvVars("GIT_BACKUP_SSH_KNOWN_HOSTS"),
			Usage:   "Path to the ssh known hosts file, ssh default is used if not set.",
		},
		&cli.BoolFlag{
			Name:    "cleanup",
			Sources: cli.EnvVars("GIT_BACKUP_CLEANUP"),
			Usage:   "Remove mirror dirs which are not valid bare repositories and clone them again.",
		},
		&cli.IntFlag{
			Name:    "workers",
			Sources: cli.EnvVars("GIT_BACKUP_WORKERS"),
			Usage:   "Number of concurrent clone and fetch operations. (default: number of CPUs up to 8)",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Sources: cli.EnvVars("GIT_BACKUP_TIMEOUT"),
			Usage:   "Timeout of the whole run. (default: 1h)",
		},
		&cli.StringFlag{
			Name:    "git-gc",
			Sources: cli.EnvVars("GIT_BACKUP_GIT_GC"),
			Usage:   "Garbage collection after fetch: auto, always, aggressive or off. (default: auto)",
		},
		&cli.StringFlag{
			Name:    "api-url",
			Sources: cli.EnvVars("GITHUB_API_URL"),
			Usage:   "Base URL of the GitHub REST API. (default: https://api.github.com/)",
		},
		&cli.StringFlag{
			Name:    "metrics-file",
			Sources: cli.EnvVars("GIT_BACKUP_METRICS_FILE"),
			Usage:   "Write prometheus metrics of the run to the given file in text format.",
		},
		&cli.StringFlag{
			Name:    "github-app-id",
			Sources: cli.EnvVars("GITHUB_APP_ID"),
			Usage:   "ID of the GitHub App used instead of GITHUB_TOKEN.",
		},
		&cli.StringFlag{
			Name:    "github-app-installation-id",
			Sources: cli.EnvVars("GITHUB_APP_INSTALLATION_ID"),
			Usage:   "Installation ID of the GitHub App in the organization.",
		},
		&cli.StringFlag{
			Name:    "github-app-private-key",
			Sources: cli.EnvVars("GITHUB_APP_PRIVATE_KEY_PATH"),
			Usage:   "Path to the private key of the GitHub App.",
		},
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("GIT_BACKUP_CONFIG"),
			Usage:   "Absolute path to the optional config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func main() {
	cmd := &cli.Command{
		Name:   "git-backup",
		Usage:  "git-backup mirrors all repositories of a GitHub user or organization as local bare repositories.",
		Flags:  flags,
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("backup failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	// set log level according to argument
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}

	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	token := os.Getenv("GITHUB_TOKEN")
	if err := conf.validate(token); err != nil {
		return err
	}

	root, err := prepareRoot(conf.Defaults.Root)
	if err != nil {
		return err
	}
	conf.Defaults.Root = root

	logger.Info("starting backup", "config", conf.String())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, conf.Defaults.Timeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	inventory.EnableMetrics("", reg)
	backup.EnableMetrics("", reg)

	fetcher, err := inventory.NewFetcher(githubClient(ctx, conf, token), inventory.FetcherOptions{
		APIURL: conf.Defaults.APIURL,
		Log:    logger.With("logger", "inventory"),
	})
	if err != nil {
		return &configError{err}
	}

	creds := credential.NewSSHKeyProvider(conf.Defaults.SSHKeyPath, conf.Defaults.SSHKnownHostsPath)
	if err := creds.KeyError(); err != nil {
		// every clone and fetch will fail with this error
		logger.Error("ssh key is not usable", "err", err)
	}

	engine, err := backup.New(backup.Config{
		Root:    conf.Defaults.Root,
		Scope:   conf.scope(),
		Cleanup: conf.Defaults.Cleanup,
		Workers: conf.Defaults.Workers,
		GitGC:   conf.Defaults.GitGC,
	}, fetcher, creds, repository.DefaultGitExecutable(), gitEnvs(), logger.With("logger", "backup"))
	if err != nil {
		return &configError{err}
	}

	results, runErr := engine.Run(ctx)

	if path := conf.Defaults.MetricsFile; path != "" {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			logger.Error("unable to write metrics file", "path", path, "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	printSummary(results)

	if failed := backup.Failed(results); len(failed) > 0 {
		return fmt.Errorf("%d of %d repositories failed", len(failed), len(results))
	}
	return nil
}

// githubClient returns http client authenticated either with the app
// installation token or the personal access token
func githubClient(ctx context.Context, conf *Config, token string) *http.Client {
	app := conf.Defaults.GithubApp
	if !app.enabled() {
		return inventory.NewTokenClient(ctx, token)
	}

	ghApp := &auth.GithubApp{
		AppID:          app.AppID,
		InstallationID: app.InstallationID,
		PrivateKeyPath: app.PrivateKeyPath,
		APIURL:         conf.Defaults.APIURL,
	}
	return oauth2.NewClient(ctx, ghApp.TokenSource(ctx))
}

func printSummary(results []backup.Result) {
	counts := map[backup.Op]int{}
	for _, r := range results {
		counts[r.Op]++
		if r.Success() {
			continue
		}
		var cleanupErr *backup.CleanupError
		switch {
		case errors.Is(r.Err, repository.ErrInvalidPath):
			logger.Warn("repository skipped, mirror path is not a directory", "repo", r.Repo, "err", r.Err)
		case errors.As(r.Err, &cleanupErr):
			logger.Warn("repository skipped, broken mirror could not be removed", "repo", r.Repo, "err", r.Err)
		default:
			logger.Error("repository failed", "repo", r.Repo, "op", r.Op, "err", r.Err)
		}
	}

	logger.Info("summary",
		"repos", len(results),
		"clone", counts[backup.OpClone],
		"fetch", counts[backup.OpFetch],
		"skip", counts[backup.OpSkip],
		"failed", len(backup.Failed(results)),
	)
}
