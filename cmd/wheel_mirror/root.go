package main

import (
	"github.com/italolelis/wheel_mirror/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flags override the environment only when given explicitly.
type flags struct {
	sourceFile       string
	packagesFile     string
	dataDir          string
	backend          string
	progressFile     string
	dbPath           string
	maxParallel      int
	preservePartials bool
	logLevel         string
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.sourceFile, "source", "", "file holding the index base URL (env SOURCE_FILE)")
	fs.StringVar(&f.packagesFile, "packages", "", "file listing one package per line (env PACKAGES_FILE)")
	fs.StringVarP(&f.dataDir, "data-dir", "d", "", "directory wheels are written to (env DATA_DIR)")
	fs.StringVar(&f.backend, "backend", "", "progress backend: json or sqlite (env PROGRESS_BACKEND)")
	fs.StringVar(&f.progressFile, "progress-file", "", "JSON progress file (env PROGRESS_FILE)")
	fs.StringVar(&f.dbPath, "db-path", "", "SQLite progress database (env DB_PATH)")
	fs.IntVarP(&f.maxParallel, "workers", "w", 0, "downloads run in parallel per package (env MAX_PARALLEL)")
	fs.BoolVar(&f.preservePartials, "preserve-partials", false, "keep partial files after network failures (env PRESERVE_PARTIALS)")
	fs.StringVar(&f.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (env LOG_LEVEL)")
}

func (f *flags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("source") {
		cfg.SourceFile = f.sourceFile
	}

	if fs.Changed("packages") {
		cfg.PackagesFile = f.packagesFile
	}

	if fs.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}

	if fs.Changed("backend") {
		cfg.ProgressBackend = f.backend
	}

	if fs.Changed("progress-file") {
		cfg.ProgressFile = f.progressFile
	}

	if fs.Changed("db-path") {
		cfg.DBPath = f.dbPath
	}

	if fs.Changed("workers") {
		cfg.MaxParallel = f.maxParallel
	}

	if fs.Changed("preserve-partials") {
		cfg.PreservePartials = f.preservePartials
	}

	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	return cfg.Validate()
}

// loadConfig reads the environment and applies command line overrides.
func (f *flags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := f.apply(cmd.Flags(), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "wheel_mirror",
		Short: "Mirror wheel files from a simple package index",
		Long: "wheel_mirror downloads every wheel a simple package index lists for the configured packages.\n" +
			"Interrupted downloads resume where they stopped and completed files are verified on every run.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMirror(cmd, f)
		},
	}

	f.register(root.PersistentFlags())

	root.AddCommand(
		newMirrorCmd(f),
		newVerifyCmd(f),
		newPruneCmd(f),
	)

	return root
}
