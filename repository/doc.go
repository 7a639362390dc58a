// Package repository maintains a single bare mirror of a remote repository.
//
// A Mirror never keeps state between runs, every call observes the mirror
// directory on disk. Classify reports the local state of the mirror
// directory, Clone creates a new bare mirror and Fetch updates the branch
// referenced by the mirror's HEAD from the "origin" remote.
//
// Transport is delegated to the git executable, authentication for ssh
// remotes is provided by a CredentialProvider.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	m, err := repository.NewMirror(repository.Config{
//		Name:   "a",
//		Remote: "git@github.com:alice/a.git",
//		Root:   "/backup/alice",
//	}, "git", nil, logger)
//	if err != nil {
//		panic(err)
//	}
package repository
