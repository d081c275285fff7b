package cli

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/schema"
)

// SchemaIssue is one problem found by schema validate.
type SchemaIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// SchemaValidation holds validation results.
type SchemaValidation struct {
	Valid     bool              `json:"valid"`
	Resources []ResourceSummary `json:"resources,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Errors    []SchemaIssue     `json:"errors,omitempty"`
}

// ResourceSummary describes a compiled resource.
type ResourceSummary struct {
	Name       string   `json:"name"`
	Fields     []string `json:"fields"`
	Order      string   `json:"order,omitempty"`
	PageSize   int      `json:"page_size,omitempty"`
	Filterable []string `json:"filterable,omitempty"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with CUE resource schemas",
	}
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	return cmd
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var rowsFile string

	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate resource schemas",
		Long: `Compile every resource in a CUE schema directory and report all errors.

With --rows, a YAML file mapping resource names to lists of rows is
checked against the schemas as well, the way the cache checks rows
before writing them.

Exit codes:
  0 - Schemas (and rows) valid
  1 - Validation failed
  2 - Command error (directory not found, unreadable rows file)

Examples:
  entsync schema validate ./schemas
  entsync schema validate ./schemas --rows fixtures.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(rootOpts, args[0], rowsFile, cmd)
		},
	}
	cmd.Flags().StringVar(&rowsFile, "rows", "", "YAML file of rows to check against the schemas")
	return cmd
}

func runSchemaValidate(opts *RootOptions, dir, rowsFile string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	reg, loadErrs := schema.Load(dir, schema.LoadModeCollectAll)
	var result SchemaValidation
	for _, err := range loadErrs {
		issue := toIssue(err)
		if issue.Code == schema.ErrCodeNotFound {
			return f.Error(ExitCommandError, issue.Code, issue.Message, nil)
		}
		result.Errors = append(result.Errors, issue)
	}
	if reg == nil {
		return outputSchemaErrors(f, result)
	}
	for _, name := range reg.Names() {
		res, _ := reg.Resource(name)
		f.VerboseLog("Compiled resource: %s (%d fields)", name, len(res.Fields))
		result.Resources = append(result.Resources, summarizeResource(res))
	}

	if rowsFile != "" {
		rows, err := readRows(rowsFile)
		if err != nil {
			return f.Error(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		for _, resource := range slices.Sorted(maps.Keys(rows)) {
			for i, row := range rows[resource] {
				result.Rows++
				obj, err := ir.ObjectFromMap(row)
				if err == nil {
					err = reg.Check(resource, obj)
				}
				if err != nil {
					result.Errors = append(result.Errors, SchemaIssue{
						Code:    ErrCodeValidation,
						Message: fmt.Sprintf("%s[%d]: %v", resource, i, err),
						File:    rowsFile,
					})
				}
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		return f.Success(result, validText(f, result))
	}
	return outputSchemaErrors(f, result)
}

func toIssue(err error) SchemaIssue {
	var le *schema.LoadError
	if errors.As(err, &le) {
		issue := SchemaIssue{Code: le.Code, Message: le.Message}
		if le.Pos.IsValid() {
			issue.File = le.Pos.Filename()
			issue.Line = le.Pos.Line()
		}
		return issue
	}
	return SchemaIssue{Code: schema.ErrCodeGeneric, Message: err.Error()}
}

func summarizeResource(res *schema.Resource) ResourceSummary {
	s := ResourceSummary{
		Name:       res.Name,
		Fields:     res.FieldNames(),
		PageSize:   res.PageSize,
		Filterable: res.Filterable,
	}
	terms := make([]string, len(res.Order))
	for i, o := range res.Order {
		terms[i] = o.Field
		if o.Desc {
			terms[i] = "-" + o.Field
		}
	}
	s.Order = strings.Join(terms, ",")
	return s
}

func readRows(path string) (map[string][]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows file: %w", err)
	}
	var rows map[string][]map[string]any
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse rows file: %w", err)
	}
	return rows, nil
}

func validText(f *OutputFormatter, r SchemaValidation) string {
	msg := fmt.Sprintf("%s %d resource(s) valid", f.mark(true), len(r.Resources))
	if r.Rows > 0 {
		msg += fmt.Sprintf(", %d row(s) checked", r.Rows)
	}
	return msg
}

// outputSchemaErrors writes every issue. Validation failures exit with 1.
func outputSchemaErrors(f *OutputFormatter, r SchemaValidation) error {
	if f.Format == "json" {
		if err := writeJSON(f.Writer, CLIResponse{
			Status: "error",
			Data:   r,
			Error:  &CLIError{Code: r.Errors[0].Code, Message: r.Errors[0].Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(r.Errors)))
	}

	fmt.Fprintln(f.Writer, f.mark(false), "Validation failed")
	fmt.Fprintln(f.Writer)
	for _, issue := range r.Errors {
		if issue.Line > 0 {
			fmt.Fprintf(f.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(r.Errors)))
}
