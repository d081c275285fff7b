package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/client"
	"github.com/roach88/entsync/internal/ir"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	overrides
	queryFlags

	Fresh bool // refetch even when the snapshot has the result
	Pages int  // load an infinite query with this many pages
}

// FetchResult is the output of the fetch command.
type FetchResult struct {
	Resource string      `json:"resource"`
	Hash     string      `json:"hash,omitempty"`
	Rows     []ir.Object `json:"rows"`
	Total    int         `json:"total"`
	Cached   bool        `json:"cached"`
	HasMore  bool        `json:"has_more,omitempty"`
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch <resource>",
		Short: "Load a query through the cache",
		Long: `Load a query through the cache against the configured backend.

The cache is restored from its snapshot first, so a query answered on a
previous run is served without a request unless --fresh is given. The
snapshot is saved again before exit.

Exit codes:
  0 - Rows printed
  2 - Command error (bad filters, unreachable backend, etc.)

Examples:
  entsync fetch profiles --url http://localhost:3000 -f team=t1
  entsync fetch messages -f channel_id=c1 --pages 3 --format json
  entsync fetch profiles --id u1 --fresh`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, args[0], cmd)
		},
	}

	opts.overrides.bind(cmd.Flags())
	opts.queryFlags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&opts.Fresh, "fresh", false, "refetch even when cached")
	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "load an infinite query with this many pages")

	return cmd
}

func runFetch(opts *FetchOptions, resource string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	e, err := opts.newEnv(cmd, &opts.overrides)
	if err != nil {
		return err
	}
	defer e.Close()

	src, err := e.source()
	if err != nil {
		return err
	}
	filters, err := opts.flat()
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeQuery, err.Error(), nil)
	}

	ctx := commandContext(cmd)
	c := e.newClient(src)
	if err := c.Restore(ctx); err != nil {
		e.logger.Warn("snapshot not restored", "event", "restore_failed", "error", err)
	}

	res, err := fetchRows(ctx, c, resource, filters, opts)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeRemote, err.Error(), nil)
	}
	if err := c.Persistence().Flush(ctx); err != nil {
		return f.Error(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}
	f.VerboseLog("%d row(s) from %s (cached=%v)", len(res.Rows), resource, res.Cached)

	var text strings.Builder
	for _, row := range res.Rows {
		text.Write(ir.MustMarshalCanonical(row))
		text.WriteByte('\n')
	}
	fmt.Fprintf(&text, "%d row(s), total %d", len(res.Rows), res.Total)
	if res.HasMore {
		text.WriteString(", more available")
	}
	return f.Success(res, text.String())
}

func fetchRows(ctx context.Context, c *client.Client, resource string, filters map[string]any, opts *FetchOptions) (FetchResult, error) {
	res := FetchResult{Resource: resource, Rows: []ir.Object{}}
	cfg := client.Config{RevalidateOnMount: opts.Fresh}
	timeout := 30 * time.Second

	if opts.Pages > 0 {
		inf := c.InfiniteEntities(ctx, resource, filters, cfg)
		defer inf.Close()
		if opts.Pages > 1 {
			inf.SetSize(ctx, opts.Pages)
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := inf.Wait(wctx); err != nil {
			return res, err
		}
		if err := inf.Error(); err != nil {
			return res, err
		}
		res.Rows = append(res.Rows, inf.Data()...)
		res.Total = len(res.Rows)
		res.HasMore = inf.HasMore()
		return res, nil
	}

	if key, err := c.Key(resource, filters); err == nil {
		slot, ok := c.Store().Get(key)
		res.Cached = ok && slot.Meta.Fetched && !opts.Fresh
	}
	q := c.Entities(ctx, resource, filters, cfg)
	defer q.Close()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := q.Wait(wctx); err != nil {
		return res, err
	}
	if err := q.Error(); err != nil {
		return res, err
	}
	res.Hash = q.Key().Hash()
	res.Rows = append(res.Rows, q.Data()...)
	res.Total = q.Total()
	if res.Total < 0 {
		res.Total = len(res.Rows)
	}
	return res, nil
}
