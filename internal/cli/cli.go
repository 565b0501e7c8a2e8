package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/config"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

// globals are the persistent flags shared by every command.
type globals struct {
	outW       io.Writer
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	dataDir    string
}

// Execute runs the command line in args. Help output and command output go
// to outW.
func Execute(ctx context.Context, outW io.Writer, args []string) error {
	root := NewRootCommand(outW)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand builds the blockflow command tree.
func NewRootCommand(outW io.Writer) *cobra.Command {
	g := &globals{outW: outW}
	root := &cobra.Command{
		Use:   "blockflow",
		Short: "Blockflow runs workflow graphs of blocks, locally or on queue workers.",
		Long: `Blockflow runs workflow graphs of blocks, locally or on queue workers.

Graphs are written in HCL or JSON. Configuration is layered: built-in
defaults, then the YAML file given by --config, then the .env file, then
BLOCKFLOW_* environment variables, then command-line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML configuration file.")
	pf.StringVar(&g.envFile, "env-file", ".env", "Dotenv file loaded into the environment when it exists.")
	pf.StringVar(&g.logLevel, "log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&g.logFormat, "log-format", "", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&g.dataDir, "data-dir", "", "Directory holding the queue database.")

	root.AddCommand(
		newRunCommand(g),
		newServeCommand(g),
		newWorkerCommand(g),
		newWatchCommand(g),
		newQueueCommand(g),
		newConfigCommand(g),
		newBlocksCommand(g),
	)
	return root
}

// load assembles the configuration, applies the persistent flags and then
// the command's own flags through apply, and validates the result.
func (g *globals) load(apply func(cfg *config.Config)) (*config.Config, error) {
	slog.Debug("Loading configuration.", "config", g.configPath, "env_file", g.envFile)
	cfg, err := config.Load(g.configPath, g.envFile)
	if err != nil {
		return nil, usageError(err)
	}

	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if apply != nil {
		apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, usageError(fmt.Errorf("invalid configuration: %w", err))
	}
	return cfg, nil
}
