package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/funnel/internal/store"
	"github.com/roach88/funnel/internal/workflow"
)

const timeLayout = "2006-01-02 15:04:05"

// StagesOptions holds flags for the stages command.
type StagesOptions struct {
	*RootOptions
	Due   bool
	Limit int
}

// NewStagesCommand creates the stages command.
func NewStagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StagesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List open stages",
		Long: `List open stage rows ordered by start time. With --due only rows
the service would execute now are shown: started, not stalled and not
attempted within runner.stage_retry_after.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var list []store.StageExecution
			if opts.Due {
				now := a.now()
				retry := orDefault(a.cfg.Runner.StageRetryAfter, 5*time.Minute)
				list, err = a.store.DueStages(ctx, now, now.Add(-retry), opts.Limit)
			} else {
				list, err = a.store.OpenStages(ctx, opts.Limit)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list stages", err)
			}
			if list == nil {
				list = []store.StageExecution{}
			}
			return rootOpts.formatter(cmd).Table(
				[]string{"ID", "FUNNEL", "IDENT", "STAGE", "STARTED", "ATTEMPTS", "STALLED"},
				stageRows(list, a.now().Location()), list)
		},
	}

	cmd.Flags().BoolVar(&opts.Due, "due", false, "only stages due now")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum rows")

	return cmd
}

func stageRows(list []store.StageExecution, loc *time.Location) [][]string {
	rows := make([][]string, 0, len(list))
	for _, st := range list {
		stalled := ""
		if st.StalledAt.Valid {
			stalled = st.StallReason
			if stalled == "" {
				stalled = "yes"
			}
		}
		rows = append(rows, []string{
			strconv.FormatInt(st.ID, 10),
			st.Workflow,
			st.IdentID,
			st.Stage,
			st.StartedAt.In(loc).Format(timeLayout),
			strconv.Itoa(st.Attempts),
			stalled,
		})
	}
	return rows
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <table> <id>",
		Short: "Show the stored versions of an entity",
		Long: `Show every archived version of an entity followed by its live
version, oldest first.

Example:
  funnel history customers 42`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			table, id := args[0], args[1]
			versions, err := a.store.History(ctx, table, id)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read history", err)
			}
			live, err := a.store.Get(ctx, table, id)
			switch {
			case err == nil:
				versions = append(versions, live)
			case !errors.Is(err, store.ErrNotFound):
				return WrapExitError(ExitCommandError, "failed to read record", err)
			}
			if len(versions) == 0 {
				f := rootOpts.formatter(cmd)
				_ = f.Error(ErrCodeNotFound, fmt.Sprintf("%s/%s not found", table, id), nil)
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s not found", table, id))
			}

			rows := make([][]string, 0, len(versions))
			for _, v := range versions {
				state := "live"
				if !v.ArchivedAt.IsZero() {
					state = "archived"
				}
				rows = append(rows, []string{
					v.Moment.In(a.loc).Format(timeLayout),
					string(v.Operation),
					state,
					v.Hash,
					string(v.Payload),
				})
			}
			return rootOpts.formatter(cmd).Table(
				[]string{"MOMENT", "OPERATION", "STATE", "HASH", "PAYLOAD"}, rows, versions)
		},
	}
}

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	JS string
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <funnel> <ident-id>",
		Short: "Start a funnel instance",
		Long: `Open the first stage of a funnel for one customer, due now. An
instance that is already running is left alone.

Example:
  funnel start welcome 42 --js '{"plan":"trial"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(opts.JS)) {
				return NewExitError(ExitCommandError, "--js is not valid JSON")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := a.loadFunnels()
			if err != nil {
				return err
			}
			q, err := a.queries()
			if err != nil {
				return err
			}
			res, err := a.engine(set, q, nil).Start(ctx, args[0], args[1], json.RawMessage(opts.JS))
			if workflow.IsUnknownFunnel(err) {
				return WrapExitError(ExitCommandError, "failed to start", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to start", err)
			}

			f := rootOpts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(res)
			}
			if !res.Started {
				fmt.Fprintf(f.Writer, "already running (workflow %s)\n", res.WorkflowID)
				return nil
			}
			fmt.Fprintf(f.Writer, "started workflow %s, stage %d\n", res.WorkflowID, res.StageID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.JS, "js", "{}", "instance parameters as a JSON object")

	return cmd
}

// AdvanceOptions holds flags for the advance command.
type AdvanceOptions struct {
	*RootOptions
	To    string
	End   bool
	Delay string
	At    string
}

// AdvanceResult is the JSON output of advance.
type AdvanceResult struct {
	StageID int64  `json:"stage_id"`
	NextID  int64  `json:"next_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// NewAdvanceCommand creates the advance command.
func NewAdvanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdvanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "advance <stage-id>",
		Short: "Close an open stage by hand",
		Long: `Close an open stage without running it and open its successor.
Without --to the successor and its timing come from the funnel definition;
--end finishes the instance instead.

Example:
  funnel advance 17 --to reminder --delay 2d --at 09:00`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdvance(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "successor stage (default: the stage's next)")
	cmd.Flags().BoolVar(&opts.End, "end", false, "finish the instance without a successor")
	cmd.Flags().StringVar(&opts.Delay, "delay", "", "successor delay, e.g. 30m or 2d")
	cmd.Flags().StringVar(&opts.At, "at", "", "snap the successor to a time of day, HH:MM")
	cmd.MarkFlagsMutuallyExclusive("to", "end")

	return cmd
}

func runAdvance(cmd *cobra.Command, opts *AdvanceOptions, arg string) error {
	id, err := parseStageID(arg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	exec, err := a.store.GetStage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("stage %d not found", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stage", err)
	}
	if !exec.Open() {
		return NewExitError(ExitFailure, fmt.Sprintf("stage %d is already closed", id))
	}

	set, err := a.loadFunnels()
	if err != nil {
		return err
	}
	def, ok := set.Get(exec.Workflow)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown funnel %q", exec.Workflow))
	}

	var adv workflow.AdvanceOptions
	if !opts.End {
		adv.ToStage = opts.To
		if adv.ToStage == "" {
			cur, _ := def.Stage(exec.Stage)
			adv.ToStage = cur.Next
			sc, err := workflow.ParseSchedule(cur)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid stage schedule", err)
			}
			adv.Delay, adv.At = sc.Delay, sc.At
		}
		if adv.ToStage != "" {
			if _, ok := def.Stage(adv.ToStage); !ok {
				return NewExitError(ExitCommandError, fmt.Sprintf("funnel %s has no stage %q", def.Name, adv.ToStage))
			}
		}
	}
	if opts.Delay != "" {
		if adv.Delay, err = workflow.ParseDelay(opts.Delay); err != nil {
			return WrapExitError(ExitCommandError, "invalid --delay", err)
		}
	}
	if opts.At != "" {
		at, err := workflow.ParseTimeOfDay(opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
		adv.At = &at
	}
	adv.Data = json.RawMessage(`{"manual":true}`)

	q, err := a.queries()
	if err != nil {
		return err
	}
	next, err := a.engine(set, q, nil).Advance(ctx, exec, adv)
	if workflow.IsAlreadyAdvanced(err) {
		return WrapExitError(ExitFailure, "failed to advance", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to advance", err)
	}

	f := opts.formatter(cmd)
	if f.Format == "json" {
		return f.Success(AdvanceResult{StageID: id, NextID: next, Stage: adv.ToStage})
	}
	if next == 0 {
		fmt.Fprintf(f.Writer, "stage %d closed, instance finished\n", id)
		return nil
	}
	fmt.Fprintf(f.Writer, "stage %d closed, opened %s as stage %d\n", id, adv.ToStage, next)
	return nil
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <stage-id>",
		Short: "Resume a stalled stage",
		Long: `Clear the stall marker of an open stage so the service runs it on
its next poll.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStageID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.ResumeStage(ctx, id); err != nil {
				if errors.Is(err, store.ErrStageClosed) {
					return WrapExitError(ExitFailure, "failed to resume", err)
				}
				return WrapExitError(ExitCommandError, "failed to resume", err)
			}
			f := rootOpts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(map[string]int64{"stage_id": id})
			}
			fmt.Fprintf(f.Writer, "stage %d resumed\n", id)
			return nil
		},
	}
}

func parseStageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid stage id %q", s))
	}
	return id, nil
}
