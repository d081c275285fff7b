package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/persist"
	"github.com/roach88/entsync/internal/store"
)

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear the persisted cache",
	}
	cmd.AddCommand(newSnapshotInspectCommand(rootOpts))
	cmd.AddCommand(newSnapshotClearCommand(rootOpts))
	return cmd
}

// SnapshotSummary describes a persisted cache.
type SnapshotSummary struct {
	Storage  string                 `json:"storage"`
	Empty    bool                   `json:"empty"`
	Corrupt  string                 `json:"corrupt,omitempty"`
	Bytes    int                    `json:"bytes"`
	Digest   string                 `json:"digest,omitempty"`
	Clock    int64                  `json:"clock"`
	Entities map[string]int         `json:"entities,omitempty"`
	Slots    []SlotSummary          `json:"slots,omitempty"`
	Stored   []persist.SnapshotInfo `json:"stored,omitempty"`
}

// SlotSummary is one cached query.
type SlotSummary struct {
	Hash     string `json:"hash"`
	Resource string `json:"resource"`
	Rows     int    `json:"rows"`
	Total    int    `json:"total"`
	Key      string `json:"key,omitempty"`
}

func newSnapshotInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var ov overrides

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the persisted cache",
		Long: `Decode the stored snapshot and summarize it: entities per resource and
every cached query. A corrupt snapshot is reported, not cleared. With
--verbose the full key of each query is included.

Examples:
  entsync snapshot inspect
  entsync snapshot inspect --storage sqlite --cache-path cache.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotInspect(rootOpts, &ov, cmd)
		},
	}
	ov.bind(cmd.Flags())
	return cmd
}

func runSnapshotInspect(opts *RootOptions, ov *overrides, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	e, err := opts.newEnv(cmd, ov)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := commandContext(cmd)
	data, err := e.storage.Get(ctx)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}

	sum := SnapshotSummary{Storage: e.cfg.Cache.Storage, Bytes: len(data), Empty: len(data) == 0}
	if lister, ok := e.storage.(*persist.SQLiteStorage); ok {
		if sum.Stored, err = lister.List(ctx); err != nil {
			return f.Error(ExitCommandError, ErrCodeStorage, err.Error(), nil)
		}
	}
	if !sum.Empty {
		st, err := persist.Decode(data)
		if errors.Is(err, persist.ErrCorrupt) {
			sum.Corrupt = err.Error()
		} else if err != nil {
			return f.Error(ExitCommandError, ErrCodeStorage, err.Error(), nil)
		} else {
			summarize(&sum, st, opts.Verbose)
		}
	}
	return f.Success(sum, sum.text())
}

func summarize(sum *SnapshotSummary, st *store.State, withKeys bool) {
	if raw, err := persist.Encode(st); err == nil {
		sum.Digest = ir.SnapshotDigest(raw)
	}
	sum.Clock = st.Clock
	sum.Entities = make(map[string]int, len(st.Tables))
	for resource, rows := range st.Tables {
		sum.Entities[resource] = len(rows)
	}
	for _, sl := range st.Slots {
		s := SlotSummary{Hash: sl.Key.Hash(), Resource: sl.Resource, Rows: len(sl.IDs), Total: sl.Total}
		if withKeys {
			s.Key = sl.Key.String()
		}
		sum.Slots = append(sum.Slots, s)
	}
}

func (s SnapshotSummary) text() string {
	var b strings.Builder
	switch {
	case s.Empty:
		fmt.Fprintf(&b, "%s snapshot is empty", s.Storage)
	case s.Corrupt != "":
		fmt.Fprintf(&b, "%s snapshot is corrupt (%d bytes): %s", s.Storage, s.Bytes, s.Corrupt)
	default:
		fmt.Fprintf(&b, "%s snapshot: %d bytes, clock %d, digest %s\n", s.Storage, s.Bytes, s.Clock, s.Digest)
		resources := make([]string, 0, len(s.Entities))
		for r := range s.Entities {
			resources = append(resources, r)
		}
		slices.Sort(resources)
		for _, r := range resources {
			fmt.Fprintf(&b, "  %-20s %d entities\n", r, s.Entities[r])
		}
		fmt.Fprintf(&b, "%d cached queries", len(s.Slots))
		for _, sl := range s.Slots {
			fmt.Fprintf(&b, "\n  %s %-20s %d rows", sl.Hash, sl.Resource, sl.Rows)
			if sl.Total >= 0 {
				fmt.Fprintf(&b, " of %d", sl.Total)
			}
			if sl.Key != "" {
				fmt.Fprintf(&b, "\n    %s", sl.Key)
			}
		}
	}
	for _, info := range s.Stored {
		fmt.Fprintf(&b, "\nstored %q: %d bytes, digest %s", info.Name, info.Size, info.Digest)
	}
	return b.String()
}

func newSnapshotClearCommand(rootOpts *RootOptions) *cobra.Command {
	var ov overrides

	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Delete the persisted cache",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := rootOpts.newEnv(cmd, &ov)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.storage.Clear(commandContext(cmd)); err != nil {
				return f.Error(ExitCommandError, ErrCodeStorage, err.Error(), nil)
			}
			e.logger.Info("snapshot cleared", "event", "snapshot_cleared", "storage", e.cfg.Cache.Storage)
			return f.Success(map[string]any{"cleared": true, "storage": e.cfg.Cache.Storage},
				fmt.Sprintf("%s snapshot cleared", e.cfg.Cache.Storage))
		},
	}
	ov.bind(cmd.Flags())
	return cmd
}

// commandContext returns cmd's context, or Background when it runs
// without one (as in tests calling Execute).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
