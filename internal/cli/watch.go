package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/entsync/internal/client"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/realtime"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	overrides

	Transport string
	FeedURL   string
	RedisAddr string
	Publish   bool
	Presence  bool
	Peer      string
	Queries   []string
	Serve     string
	Duration  time.Duration
}

// ChangeLine is one merged change as printed by watch.
type ChangeLine struct {
	Resource string `json:"resource"`
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Outcome  string `json:"outcome"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Merge a realtime change feed into the cache",
		Long: `Merge a realtime change feed into the cache and print every change with
its outcome: applied, ignored, superseded, flagged or failed.

Queries named with --query are loaded first and kept open so that changes
to their rows are applied. The snapshot is saved periodically and once
more on exit. With --publish, writes committed by this peer are broadcast
on the stream; with --presence, the peer announces itself in the peers
resource until it exits. With --serve, every applied change and every
local commit is relayed to websocket peers connected at /changes, so other
peers can follow this one with --transport websocket.

Examples:
  entsync watch --transport redis --redis-addr localhost:6379 --query profiles
  entsync watch --transport websocket --feed-url ws://localhost:8080/changes
  entsync watch -c entsync.yaml --presence --duration 1m
  entsync watch --transport redis --redis-addr localhost:6379 --serve :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	opts.overrides.bind(cmd.Flags())
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "realtime transport: redis|websocket (overrides realtime.transport)")
	cmd.Flags().StringVar(&opts.FeedURL, "feed-url", "", "websocket feed URL (overrides realtime.url)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address for the change stream (overrides realtime.redis-addr)")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "broadcast this peer's committed writes")
	cmd.Flags().BoolVar(&opts.Presence, "presence", false, "announce this peer in the peers resource")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "peer id (default: realtime.consumer or a random id)")
	cmd.Flags().StringArrayVar(&opts.Queries, "query", nil, "resource to load and keep open (repeatable)")
	cmd.Flags().StringVar(&opts.Serve, "serve", "", "relay changes to websocket peers on this address")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (default: until interrupted)")

	return cmd
}

func (opts *WatchOptions) applyRealtime(cfg *config.Config) {
	if opts.Transport != "" {
		cfg.Realtime.Transport = opts.Transport
	}
	if opts.FeedURL != "" {
		cfg.Realtime.URL = opts.FeedURL
	}
	if opts.RedisAddr != "" {
		cfg.Realtime.RedisAddr = opts.RedisAddr
	}
	cfg.Realtime.Publish = cfg.Realtime.Publish || opts.Publish
	cfg.Realtime.Presence = cfg.Realtime.Presence || opts.Presence
	if opts.Peer != "" {
		cfg.Realtime.Consumer = opts.Peer
	}
	if cfg.Realtime.Consumer == "" {
		cfg.Realtime.Consumer = uuid.NewString()
	}
}

// feed is a transport that pushes changes into a merger.
type feed interface {
	Run(ctx context.Context, m *realtime.Merger) error
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	e, err := opts.newEnv(cmd, &opts.overrides)
	if err != nil {
		return err
	}
	defer e.Close()
	opts.applyRealtime(e.cfg)
	if err := e.cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	rt := e.cfg.Realtime
	if rt.Transport == "" || rt.Transport == config.TransportNone {
		return f.Error(ExitCommandError, ErrCodeConfig, "no realtime transport: set realtime.transport or --transport", nil)
	}

	src, err := e.source()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	c := e.newClient(src)
	if err := c.Restore(ctx); err != nil {
		e.logger.Warn("snapshot not restored", "event", "restore_failed", "error", err)
	}
	for _, resource := range opts.Queries {
		q := c.Entities(ctx, resource, nil, client.Config{})
		defer q.Close()
		if err := q.Wait(ctx); err != nil {
			return f.Error(ExitCommandError, ErrCodeRemote, err.Error(), nil)
		}
		if err := q.Error(); err != nil {
			return f.Error(ExitCommandError, ErrCodeRemote, fmt.Sprintf("%s: %v", resource, err), nil)
		}
		f.VerboseLog("watching %s: %d row(s)", resource, len(q.Data()))
	}

	transportOpts := []realtime.TransportOption{
		realtime.WithOrigin(rt.Consumer),
		realtime.WithTransportLogger(e.logger),
	}

	printer := &changePrinter{w: cmd.OutOrStdout(), asJSON: opts.Format == "json"}
	mergerOpts := []realtime.Option{
		realtime.WithLogger(e.logger),
		realtime.WithObserver(printer.print),
	}
	var relay *realtime.Broadcaster
	if opts.Serve != "" {
		relay = realtime.NewBroadcaster(transportOpts...)
		mergerOpts = append(mergerOpts, realtime.WithObserver(func(ch realtime.Change, o realtime.Outcome) {
			if o == realtime.OutcomeApplied {
				relayChange(e, relay, ch)
			}
		}))
		c.Mutations().OnCommit(func(cm mutate.Commit) {
			relayChange(e, relay, realtime.FromCommit(cm))
		})
	}
	merger := realtime.New(c.Reconciler(), mergerOpts...)
	var source feed
	switch rt.Transport {
	case config.TransportRedis:
		rc := e.redisClient(rt.Addr(e.cfg.Cache))
		group := rt.Group + "." + rt.Consumer
		if err := realtime.EnsureGroupAtTail(ctx, rc, rt.Stream, group); err != nil {
			return f.Error(ExitCommandError, ErrCodeConfig, err.Error(), nil)
		}
		pub, sub, err := realtime.NewRedisStream(rc, group, rt.Consumer, e.logger)
		if err != nil {
			return f.Error(ExitCommandError, ErrCodeConfig, err.Error(), nil)
		}
		defer sub.Close()
		defer pub.Close()
		source = realtime.NewWatermillSource(sub, rt.Stream, transportOpts...)
		if rt.Publish {
			c.Mutations().OnCommit(realtime.NewPublisher(pub, rt.Stream, transportOpts...).OnCommit)
		}
	case config.TransportWebSocket:
		source = realtime.NewWebSocketSource(rt.URL, e.headers(), transportOpts...)
	}

	e.logger.Info("watching changes",
		"event", "watch_started",
		"transport", rt.Transport,
		"peer", rt.Consumer,
		"queries", len(opts.Queries),
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return merger.Run(gctx) })
	g.Go(func() error {
		// The feed ending, for example a normal websocket close, ends the watch.
		defer stop()
		return source.Run(gctx, merger)
	})
	g.Go(func() error { return c.Run(gctx) })
	if relay != nil {
		srv := &http.Server{Addr: opts.Serve, Handler: relayMux(relay), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			e.logger.Info("relaying changes", "event", "relay_started", "addr", opts.Serve)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			relay.Close()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if rt.Presence {
		presence := realtime.NewPresence(c.Mutations(), c.Store(), rt.Consumer,
			realtime.WithHeartbeat(rt.Heartbeat))
		g.Go(func() error { return presence.Run(gctx) })
	}

	err = g.Wait()
	stats := merger.Stats()
	e.logger.Info("watch stopped",
		"event", "watch_stopped",
		"received", stats.Received,
		"applied", stats.Outcomes[realtime.OutcomeApplied],
	)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return f.Error(ExitCommandError, ErrCodeRemote, err.Error(), nil)
	}
	return nil
}

func relayMux(relay *realtime.Broadcaster) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/changes", relay)
	return mux
}

func relayChange(e *env, relay *realtime.Broadcaster, ch realtime.Change) {
	if err := relay.Publish(ch); err != nil {
		e.logger.Warn("relay failed", "event", "relay_failed", "resource", ch.Resource, "id", ch.ID, "error", err)
	}
}

// changePrinter writes one line per merged change. It runs on the merger
// loop, so lines appear in merge order.
type changePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
}

func (p *changePrinter) print(c realtime.Change, o realtime.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.asJSON {
		_ = json.NewEncoder(p.w).Encode(ChangeLine{
			Resource: c.Resource,
			Kind:     string(c.Kind),
			ID:       c.ID,
			Outcome:  string(o),
		})
		return
	}
	fmt.Fprintf(p.w, "%-6s %s/%s -> %s\n", c.Kind, c.Resource, c.ID, o)
}
