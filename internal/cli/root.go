// Package cli implements catalogctl, the operator command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ETAnderson/catalogsync/internal/app"
	"github.com/ETAnderson/catalogsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// loadConfig and newApp are swapped in tests.
	loadConfig func() (config.Config, error)
	newApp     func(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*app.App, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{
		loadConfig: config.Load,
		newApp:     app.New,
	})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogctl",
		Short: "catalogctl - operate the catalog reconciliation engine",
		Long: `Operator tooling for the catalog reconciliation engine.

Runs full-catalog diffs, probes upstream stores and manages the
keys used to sign operator API tokens.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewSyncSiteCommand(opts))
	cmd.AddCommand(NewTestProductCommand(opts))
	cmd.AddCommand(NewTestUpstreamCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// logger writes to stderr so json output on stdout stays parseable.
func (o *RootOptions) logger(cmd *cobra.Command) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(cmd.ErrOrStderr())
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.SetLevel(logrus.WarnLevel)
	if o.Verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l.WithField("service", "catalogctl")
}

// open loads configuration and wires the application.
func (o *RootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return o.newApp(cmd.Context(), cfg, o.logger(cmd))
}

func (o *RootOptions) output(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}
