package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/runner"
	"github.com/roach88/funnel/internal/workflow"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Funnels []string `json:"funnels,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	QueriesDir string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <funnels-dir>",
		Short: "Validate funnel definitions",
		Long: `Load every YAML and CUE funnel in the directory and report all
problems: unknown stages, bad delays and times, bad start schedules and,
with --queries, query template files that do not exist.

No database or bus is needed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.QueriesDir, "queries", "", "directory of .sql query templates to check references against")

	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions, dir string) error {
	f := opts.formatter(cmd)
	f.VerboseLog("loading funnels from %s", dir)

	var problems []error
	set, err := funnel.Load(dir, funnel.WithStageCheck(workflow.CheckStage))
	if err != nil {
		problems = append(problems, unjoin(err)...)
	} else {
		problems = append(problems, checkSchedules(set)...)
		if opts.QueriesDir != "" {
			refs, err := checkQueryRefs(set, opts.QueriesDir)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load query templates", err)
			}
			problems = append(problems, refs...)
		}
	}

	if len(problems) > 0 {
		result := ValidationResult{Valid: false}
		for _, p := range problems {
			result.Errors = append(result.Errors, p.Error())
		}
		if f.Format == "json" {
			if err := f.Success(result); err != nil {
				return err
			}
		} else {
			for _, msg := range result.Errors {
				fmt.Fprintln(f.Writer, msg)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed: %d problem(s)", len(problems)))
	}

	result := ValidationResult{Valid: true, Funnels: set.Names()}
	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "%d funnel(s) valid\n", len(result.Funnels))
	return nil
}

// unjoin flattens an errors.Join result into its parts.
func unjoin(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, unjoin(e)...)
		}
		return out
	}
	return []error{err}
}

func checkSchedules(set *funnel.Set) []error {
	var errs []error
	for _, def := range set.All() {
		if def.Start == nil {
			continue
		}
		if _, err := runner.ParseSchedule(def.Start.Schedule); err != nil {
			errs = append(errs, &funnel.Error{
				Source:  def.Source,
				Funnel:  def.Name,
				Field:   "start.schedule",
				Message: err.Error(),
			})
		}
	}
	return errs
}

// checkQueryRefs reports query file references that have no template in dir.
func checkQueryRefs(set *funnel.Set, dir string) ([]error, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	q, err := query.NewRunner(nil, os.DirFS(dir))
	if err != nil {
		return nil, err
	}

	var errs []error
	missing := func(def *funnel.Definition, field, ref string) {
		if ref == "" || !query.IsFileRef(ref) || q.Has(ref) {
			return
		}
		errs = append(errs, &funnel.Error{
			Source:  def.Source,
			Funnel:  def.Name,
			Field:   field,
			Message: fmt.Sprintf("query template %q not found", ref),
		})
	}
	for _, def := range set.All() {
		if def.Start != nil {
			missing(def, "start.query", def.Start.Query)
		}
		for i, rule := range def.Break {
			missing(def, fmt.Sprintf("break[%d].query", i), rule.Query)
		}
		for _, name := range def.StageNames() {
			st, _ := def.Stage(name)
			missing(def, "stages."+name+".query", st.Query)
		}
	}
	return errs, nil
}
