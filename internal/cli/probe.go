package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/reconcile"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

// ProductPreview is what test-product reports for one upstream entity.
type ProductPreview struct {
	Site       domain.Site    `json:"site"`
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	SKU        string         `json:"sku"`
	Type       string         `json:"type"`
	Variations int            `json:"variations"`
	Key        string         `json:"key,omitempty"`
	KeySource  string         `json:"key_source,omitempty"`
	Exists     bool           `json:"exists"`
	Changes    domain.Changes `json:"changes"`
	Note       string         `json:"note,omitempty"`
}

// NewTestProductCommand fetches one entity and shows how it would merge,
// without writing.
func NewTestProductCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-product <site> <id>",
		Short: "Fetch one product and preview its merge",
		Long: `Fetch a product (and its variations) from a site, resolve its canonical
key and print the fields a merge would change. Only key collisions are
recorded, as review flags.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestProduct(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runTestProduct(rootOpts *RootOptions, rawSite, rawID string, cmd *cobra.Command) error {
	site, err := domain.ParseSite(rawSite)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid site", err)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid product id %q", rawID))
	}

	a, err := rootOpts.open(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	defer a.Close()

	ctx := cmd.Context()
	e, err := a.Upstream.FetchEntity(ctx, site, id)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch product", err)
	}

	var variations []upstream.Entity
	if e.IsVariable() {
		variations, err = a.Upstream.ListVariations(ctx, site, e.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "list variations", err)
		}
	}

	p := ProductPreview{
		Site:       site,
		ID:         e.ID,
		Name:       e.Name,
		SKU:        e.SKU,
		Type:       e.Type,
		Variations: len(variations),
	}

	res, err := a.Resolver.Resolve(ctx, site, e)
	if err != nil {
		p.Note = err.Error()
	} else {
		defer a.Resolver.Release(res.Key)
		p.Key, p.KeySource = res.Key, string(res.Source)

		cur, ok, err := a.Store.GetProduct(ctx, res.Key)
		if err != nil {
			return WrapExitError(ExitCommandError, "load product", err)
		}
		p.Exists = ok

		d := reconcile.DeltaFromEntity(site, e, variations)
		switch {
		case !ok && !site.IsCanonical():
			p.Note = "no canonical record; mirrors never create one"
		case ok:
			_, p.Changes = reconcile.Apply(&cur, res.Key, d, time.Now().UTC())
		default:
			_, p.Changes = reconcile.Apply(nil, res.Key, d, time.Now().UTC())
		}
	}

	return rootOpts.output(cmd.OutOrStdout()).Result(p, func(w io.Writer) {
		fmt.Fprintf(w, "%s/%d %q sku=%q type=%s variations=%d\n", p.Site, p.ID, p.Name, p.SKU, p.Type, p.Variations)
		if p.Key != "" {
			fmt.Fprintf(w, "key: %s (%s), stored=%t\n", p.Key, p.KeySource, p.Exists)
		}
		if len(p.Changes) > 0 {
			fmt.Fprintf(w, "changes: %s\n", p.Changes)
		} else if p.Key != "" && p.Note == "" {
			fmt.Fprintln(w, "changes: none")
		}
		if p.Note != "" {
			fmt.Fprintf(w, "note: %s\n", p.Note)
		}
	})
}

// ProbeResult is one site's connectivity check.
type ProbeResult struct {
	Site  domain.Site `json:"site"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
}

// NewTestUpstreamCommand pings each named site, or every site.
func NewTestUpstreamCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "test-upstream [site...]",
		Short:         "Check connectivity and credentials for upstream sites",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestUpstream(rootOpts, args, cmd)
		},
	}
}

func runTestUpstream(rootOpts *RootOptions, args []string, cmd *cobra.Command) error {
	sites, err := parseSites(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid site", err)
	}
	if len(sites) == 0 {
		sites = domain.AllSites
	}

	a, err := rootOpts.open(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	defer a.Close()

	results := make([]ProbeResult, 0, len(sites))
	failed := 0
	for _, site := range sites {
		r := ProbeResult{Site: site, OK: true}
		if err := a.Upstream.Ping(cmd.Context(), site); err != nil {
			r.OK, r.Error = false, err.Error()
			failed++
		}
		results = append(results, r)
	}

	if err := rootOpts.output(cmd.OutOrStdout()).Result(results, func(w io.Writer) {
		for _, r := range results {
			if r.OK {
				fmt.Fprintf(w, "%s: ok\n", r.Site)
			} else {
				fmt.Fprintf(w, "%s: FAIL %s\n", r.Site, r.Error)
			}
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d site(s) unreachable", failed))
	}
	return nil
}
