package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ETAnderson/catalogsync/internal/app"
	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
)

type diffOptions struct {
	Sites         []string
	ModifiedAfter string
	DryRun        bool
}

// NewDiffCommand runs the full-catalog differ for the canonical site and
// then every configured mirror.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &diffOptions{}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Run a full-catalog diff",
		Long: `Compare every upstream listing against the canonical store and apply
inserts, updates and deletes.

The canonical site runs first so mirrors can attach to keys it creates.
Mirrors without credentials are skipped unless named with --site.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Sites, "site", nil, "limit to these sites (repeatable)")
	cmd.Flags().StringVar(&opts.ModifiedAfter, "modified-after", "", "RFC 3339 lower bound; disables deletes")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "plan changes without writing")

	return cmd
}

// NewSyncSiteCommand diffs exactly one site.
func NewSyncSiteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &diffOptions{}

	cmd := &cobra.Command{
		Use:           "sync-site <site>",
		Short:         "Run a full-catalog diff for one site",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Sites = []string{args[0]}
			return runDiff(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ModifiedAfter, "modified-after", "", "RFC 3339 lower bound; disables deletes")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "plan changes without writing")

	return cmd
}

func runDiff(rootOpts *RootOptions, opts *diffOptions, cmd *cobra.Command) error {
	var after time.Time
	if opts.ModifiedAfter != "" {
		t, err := time.Parse(time.RFC3339, opts.ModifiedAfter)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --modified-after", err)
		}
		after = t
	}

	explicit, err := parseSites(opts.Sites)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --site", err)
	}

	a, err := rootOpts.open(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	defer a.Close()

	sites := explicit
	if len(sites) == 0 {
		sites = configuredSites(a)
	}

	var summaries []differ.Summary
	var runErr error
	for _, site := range sites {
		s, err := a.Differ.Run(cmd.Context(), differ.Options{
			RunID:         differ.NewRunID(),
			Site:          site,
			ModifiedAfter: after,
			DryRun:        opts.DryRun,
		})
		if err != nil {
			runErr = WrapExitError(ExitFailure, fmt.Sprintf("diff %s", site), err)
			break
		}
		summaries = append(summaries, s)
		if s.Cancelled {
			break
		}
	}

	if err := rootOpts.output(cmd.OutOrStdout()).Result(summaries, func(w io.Writer) {
		for _, s := range summaries {
			printSummary(w, s)
		}
	}); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	for _, s := range summaries {
		if s.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%s: %d item(s) failed", s.Site, s.Failed))
		}
	}
	return nil
}

// configuredSites returns the canonical site followed by every mirror that
// has credentials.
func configuredSites(a *app.App) []domain.Site {
	out := []domain.Site{domain.CanonicalSite}
	for _, site := range domain.AllSites {
		if site.IsCanonical() {
			continue
		}
		if a.Upstream.Configured(site) == nil {
			out = append(out, site)
		}
	}
	return out
}

func parseSites(raw []string) ([]domain.Site, error) {
	var out []domain.Site
	seen := map[domain.Site]bool{}
	for _, r := range raw {
		site, err := domain.ParseSite(r)
		if err != nil {
			return nil, err
		}
		if !seen[site] {
			seen[site] = true
			out = append(out, site)
		}
	}
	// The canonical site always runs first.
	for i, site := range out {
		if site.IsCanonical() && i > 0 {
			copy(out[1:i+1], out[:i])
			out[0] = site
		}
	}
	return out, nil
}

func printSummary(w io.Writer, s differ.Summary) {
	status := "completed"
	if s.Cancelled {
		status = "cancelled"
	}
	fmt.Fprintf(w, "%s: %s\n", s.Site, status)
	fmt.Fprintf(w, "  inserted=%d updated=%d deleted=%d backfilled=%d\n",
		s.Inserted, s.Updated, s.Deleted, s.IdentityBackfilled)
	fmt.Fprintf(w, "  unchanged=%d skipped=%d failed=%d total=%d\n",
		s.Unchanged, s.Skipped, s.Failed, s.Total)
}
