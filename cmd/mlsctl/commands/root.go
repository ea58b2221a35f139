package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/torlnapp/mls"
	"github.com/torlnapp/mls/store"
)

var (
	dbPath    string
	dirPath   string
	cacheSize int
	logLevel  string
	logFormat string

	logger *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "mlsctl",
		Short:         "Inspect and exercise MLS group state",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("log level: %w", err)
			}

			opts := &slog.HandlerOptions{Level: level}
			var handler slog.Handler
			switch logFormat {
			case "json":
				handler = slog.NewJSONHandler(os.Stderr, opts)
			case "text":
				handler = slog.NewTextHandler(os.Stderr, opts)
			default:
				return fmt.Errorf("unknown log format %q", logFormat)
			}

			logger = slog.New(handler)
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database holding group state")
	root.PersistentFlags().StringVar(&dirPath, "dir", "", "directory holding one file per group (used when --db is empty)")
	root.PersistentFlags().IntVar(&cacheSize, "cache", 0, "number of group states to cache in front of the store (0 disables)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "text or json")

	root.AddCommand(demoCmd(), groupsCmd(), inspectCmd(), exportCmd(), backupCmd(), restoreCmd())
	return root.Execute()
}

// openStore opens the store named by the flags, behind a cache when --cache
// is set.  The returned closer is never nil.
func openStore() (store.Lister, func() error, error) {
	st, closer, err := openBackingStore()
	if err != nil {
		return nil, nil, err
	}
	if cacheSize <= 0 {
		return st, closer, nil
	}

	cached, err := store.NewCachedStore(st, cacheSize)
	if err != nil {
		return nil, nil, errors.Join(err, closer())
	}
	return cached, closer, nil
}

func openBackingStore() (store.Lister, func() error, error) {
	switch {
	case dbPath != "":
		s, err := store.OpenSQLiteStore(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case dirPath != "":
		s, err := store.OpenFileStore(dirPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("one of --db or --dir is required")
}

func config() mls.Config {
	cfg := mls.DefaultConfig()
	cfg.Logger = logger
	return cfg
}
