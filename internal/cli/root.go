// Package cli implements the ghcoord operator command line.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/coord"
	"github.com/roach88/ghcoord/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string

	// IDs supplies message ids when channel append is not given --id.
	IDs IDGenerator
}

// IDGenerator produces message ids.
type IDGenerator interface {
	NewID() string
}

// uuidIDs hands out time-ordered UUIDv7 strings.
type uuidIDs struct{}

func (uuidIDs) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ghcoord CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{IDs: uuidIDs{}})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.IDs == nil {
		opts.IDs = uuidIDs{}
	}

	cmd := &cobra.Command{
		Use:   "ghcoord",
		Short: "ghcoord - durable coordination state for the GitHub bot",
		Long: `Inspect and drive the coordination database shared by the bot's workers:
append-only channels, merge dicts and idempotency flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config and environment)")

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewChannelCommand(opts))
	cmd.AddCommand(NewDictCommand(opts))
	cmd.AddCommand(NewFlagCommand(opts))
	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads --config, applies the environment and then --db.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// logger writes structured logs to stderr so command output stays parseable.
func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) (*slog.Logger, error) {
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}
	return logger, nil
}

// open loads configuration and opens a coordinator. adjust, if not nil, may
// tweak the configuration first. A schema mismatch is reported through f and
// exits with ExitFailure.
func (o *RootOptions) open(cmd *cobra.Command, f *OutputFormatter, adjust func(*config.Config)) (*coord.Coordinator, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	f.VerboseLog("Opening %s", cfg.Database.Path)
	c, err := coord.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, f.Fail("open database", err)
	}
	return c, nil
}
