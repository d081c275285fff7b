package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// queryFlags describe a query on the command line.
type queryFlags struct {
	Filters []string
	ID      string
}

func (qf *queryFlags) bind(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&qf.Filters, "filter", "f", nil,
		"flat filter as key=value, e.g. team=t1, age_gte=30, id_in=[u1,u2], limit=20")
	fs.StringVar(&qf.ID, "id", "", "entity id")
}

// flat returns the filters in the flat convention. Values are parsed as
// YAML scalars or flow sequences, so 30 is a number and [a,b] a list.
func (qf *queryFlags) flat() (map[string]any, error) {
	out := make(map[string]any, len(qf.Filters)+1)
	for _, f := range qf.Filters {
		key, raw, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("filter %q: expected key=value", f)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("filter %q: %w", f, err)
		}
		if raw == "" {
			v = ""
		}
		out[key] = v
	}
	if qf.ID != "" {
		out[ir.IDField] = qf.ID
	}
	return out, nil
}

// spec parses the filters and resolves them through the schema registry
// when one is configured.
func (qf *queryFlags) spec(e *env, resource string) (querykey.Spec, error) {
	flat, err := qf.flat()
	if err != nil {
		return querykey.Spec{}, err
	}
	spec, err := querykey.ParseFilters(resource, flat)
	if err != nil {
		return querykey.Spec{}, err
	}
	if e.registry != nil {
		return e.registry.Resolve(spec)
	}
	return spec, nil
}

// KeyResult is the output of the key command.
type KeyResult struct {
	Resource string `json:"resource"`
	Key      string `json:"key"`
	Hash     string `json:"hash"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ov overrides
		qf queryFlags
	)

	cmd := &cobra.Command{
		Use:   "key <resource>",
		Short: "Print the cache key of a query",
		Long: `Print the canonical cache key of a query and its short hash.

Two queries share a cache entry exactly when their keys are equal, no
matter how their filters were written. With a schema directory, default
ordering is applied as it would be by the cache.

Examples:
  entsync key profiles -f team=t1 -f age_gte=30
  entsync key profiles --id u1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(rootOpts, &ov, &qf, args[0], cmd)
		},
	}
	ov.bind(cmd.Flags())
	qf.bind(cmd.Flags())
	return cmd
}

func runKey(opts *RootOptions, ov *overrides, qf *queryFlags, resource string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	e, err := opts.newEnv(cmd, ov)
	if err != nil {
		return err
	}
	defer e.Close()

	spec, err := qf.spec(e, resource)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeQuery, err.Error(), nil)
	}
	key, err := querykey.Encode(spec)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeQuery, err.Error(), nil)
	}

	res := KeyResult{Resource: resource, Key: key.String(), Hash: key.Hash()}
	return f.Success(res, res.Key+"\n"+res.Hash)
}
