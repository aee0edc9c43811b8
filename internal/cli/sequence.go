package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/internal/library"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/sequencer"
)

var (
	sequenceCreateFile       string
	sequenceCreateDefinition string
	sequenceCreateVars       []string
	sequenceCreateName       string

	sequenceListStatus string

	sequenceDuplicateName string

	sequenceScheduleAt string
	sequenceScheduleIn string
)

func init() {
	rootCmd.AddCommand(sequenceCmd)
	sequenceCmd.AddCommand(sequenceCreateCmd)
	sequenceCmd.AddCommand(sequenceListCmd)
	sequenceCmd.AddCommand(sequenceShowCmd)
	sequenceCmd.AddCommand(sequenceStartCmd)
	sequenceCmd.AddCommand(sequencePauseCmd)
	sequenceCmd.AddCommand(sequenceResumeCmd)
	sequenceCmd.AddCommand(sequenceCancelCmd)
	sequenceCmd.AddCommand(sequenceDuplicateCmd)
	sequenceCmd.AddCommand(sequenceScheduleCmd)
	sequenceCmd.AddCommand(sequenceStatusCmd)
	sequenceCmd.AddCommand(sequenceEventsCmd)

	sequenceCreateCmd.Flags().StringVarP(&sequenceCreateFile, "file", "f", "", "YAML file describing the sequence")
	sequenceCreateCmd.Flags().StringVar(&sequenceCreateDefinition, "from", "", "library definition to render")
	sequenceCreateCmd.Flags().StringArrayVar(&sequenceCreateVars, "var", nil, "definition variable as name=value (repeatable)")
	sequenceCreateCmd.Flags().StringVar(&sequenceCreateName, "name", "", "override the sequence name")

	sequenceListCmd.Flags().StringVar(&sequenceListStatus, "status", "", "filter by status (draft, scheduled, active, paused, completed, cancelled)")

	sequenceDuplicateCmd.Flags().StringVar(&sequenceDuplicateName, "name", "", "name for the copy (default <name> (copy))")

	sequenceScheduleCmd.Flags().StringVar(&sequenceScheduleAt, "at", "", "start time (RFC3339)")
	sequenceScheduleCmd.Flags().StringVar(&sequenceScheduleIn, "in", "", "start after a duration like 30m")
}

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Manage sequences",
	Long:  "Create, inspect, and control broadcast sequences.",
}

var sequenceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft sequence",
	Long:  "Create a draft sequence from a YAML file or a library definition.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (sequenceCreateFile == "") == (sequenceCreateDefinition == "") {
			return fmt.Errorf("exactly one of --file or --from is required")
		}

		var def *library.Definition
		var err error
		if sequenceCreateFile != "" {
			def, err = library.LoadDefinition(sequenceCreateFile)
		} else {
			def, err = library.FindDefinition(sequenceCreateDefinition)
		}
		if err != nil {
			return err
		}

		vars, err := parseVars(sequenceCreateVars)
		if err != nil {
			return err
		}
		seq, err := library.Render(def, vars)
		if err != nil {
			return err
		}

		if sequenceCreateName != "" {
			seq.Name = sequenceCreateName
		}

		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		seq.CreatedBy = cfg.Operator
		created, err := newService(database, cfg).CreateSequence(cmd.Context(), seq)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created sequence %s (%s) with %d steps\n",
			created.Name, created.ID, len(created.Steps))
		return nil
	},
}

var sequenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sequences",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		seqs, err := newService(database, cfg).ListSequences(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(seqs))
		for _, seq := range seqs {
			if sequenceListStatus != "" && string(seq.Status) != sequenceListStatus {
				continue
			}
			scheduled := "-"
			if seq.ScheduledAt != nil {
				scheduled = seq.ScheduledAt.Local().Format(time.RFC3339)
			}
			rows = append(rows, []string{
				shortID(seq.ID),
				seq.Name,
				string(seq.Status),
				fmt.Sprintf("%d", len(seq.Steps)),
				formatYesNo(seq.Repeat != nil && seq.Repeat.Enabled),
				scheduled,
			})
		}

		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sequences found.")
			return nil
		}
		return writeTable(cmd.OutOrStdout(),
			[]string{"ID", "NAME", "STATUS", "STEPS", "REPEATS", "SCHEDULED"}, rows)
	},
}

var sequenceShowCmd = &cobra.Command{
	Use:   "show <sequence-id>",
	Short: "Show a sequence definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		seq, err := newService(database, cfg).GetSequence(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:        %s\n", seq.Name)
		fmt.Fprintf(out, "ID:          %s\n", seq.ID)
		fmt.Fprintf(out, "Status:      %s\n", seq.Status)
		if seq.Description != "" {
			fmt.Fprintf(out, "Description: %s\n", seq.Description)
		}
		if seq.CreatedBy != "" {
			fmt.Fprintf(out, "Created by:  %s\n", seq.CreatedBy)
		}
		fmt.Fprintf(out, "Created at:  %s\n", seq.CreatedAt.Local().Format(time.RFC3339))
		if seq.ScheduledAt != nil {
			fmt.Fprintf(out, "Scheduled:   %s\n", seq.ScheduledAt.Local().Format(time.RFC3339))
		}
		if seq.Repeat != nil && seq.Repeat.Enabled {
			max := "unlimited"
			if seq.Repeat.MaxRepeats > 0 {
				max = fmt.Sprintf("%d", seq.Repeat.MaxRepeats)
			}
			fmt.Fprintf(out, "Repeat:      every %s, max %s (completed %d)\n",
				seq.Repeat.Interval(), max, seq.Repeat.CurrentRepeat)
		}

		fmt.Fprintf(out, "\nSteps (%d):\n", len(seq.Steps))
		for i, step := range seq.Steps {
			marker := " "
			if seq.Status == models.SequenceStatusActive && i == seq.Cursor {
				marker = ">"
			}
			fmt.Fprintf(out, " %s %d. [%s] +%s %s\n",
				marker, i+1, step.Kind, step.Delay(), payloadSummary(step.Payload))
			if step.RequiresAck {
				fmt.Fprintf(out, "      requires ack (timeout %s)\n", step.AckTimeout())
			}
			for _, branch := range step.Branches {
				label := branch.Label
				if label == "" {
					label = string(branch.Condition)
				}
				fmt.Fprintf(out, "      branch: %s (%d steps)\n", label, len(branch.Steps))
			}
		}
		return nil
	},
}

var sequenceStartCmd = &cobra.Command{
	Use:   "start <sequence-id>",
	Short: "Start a sequence now",
	Args:  cobra.ExactArgs(1),
	RunE:  runLifecycle("started", func(svc *sequencer.Service, cmd *cobra.Command, id string) error {
		return svc.Start(cmd.Context(), id)
	}),
}

var sequencePauseCmd = &cobra.Command{
	Use:   "pause <sequence-id>",
	Short: "Pause an active sequence",
	Args:  cobra.ExactArgs(1),
	RunE: runLifecycle("paused", func(svc *sequencer.Service, cmd *cobra.Command, id string) error {
		return svc.Pause(cmd.Context(), id)
	}),
}

var sequenceResumeCmd = &cobra.Command{
	Use:   "resume <sequence-id>",
	Short: "Resume a paused sequence",
	Args:  cobra.ExactArgs(1),
	RunE: runLifecycle("resumed", func(svc *sequencer.Service, cmd *cobra.Command, id string) error {
		return svc.Resume(cmd.Context(), id)
	}),
}

var sequenceCancelCmd = &cobra.Command{
	Use:   "cancel <sequence-id>",
	Short: "Cancel a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: runLifecycle("cancelled", func(svc *sequencer.Service, cmd *cobra.Command, id string) error {
		return svc.Cancel(cmd.Context(), id)
	}),
}

var sequenceDuplicateCmd = &cobra.Command{
	Use:   "duplicate <sequence-id>",
	Short: "Copy a sequence as a new draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		copy, err := newService(database, cfg).Duplicate(cmd.Context(), args[0], sequenceDuplicateName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created draft %s (%s)\n", copy.Name, copy.ID)
		return nil
	},
}

var sequenceScheduleCmd = &cobra.Command{
	Use:   "schedule <sequence-id>",
	Short: "Schedule a sequence for a future start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startAt, err := parseScheduleTime(sequenceScheduleAt, sequenceScheduleIn)
		if err != nil {
			return err
		}

		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := newService(database, cfg).Schedule(cmd.Context(), args[0], startAt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sequence scheduled for %s\n", startAt.Local().Format(time.RFC3339))
		return nil
	},
}

var sequenceStatusCmd = &cobra.Command{
	Use:   "status <sequence-id>",
	Short: "Show execution progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		svc := newService(database, cfg)
		seq, err := svc.GetSequence(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", seq.Name, seq.Status)

		exec, err := svc.GetExecution(cmd.Context(), seq.ID)
		if err != nil {
			fmt.Fprintln(out, "No execution in progress.")
			return nil
		}

		fmt.Fprintf(out, "Started:    %s\n", exec.StartedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(out, "Progress:   %d/%d steps\n", len(exec.CompletedSteps), len(seq.Steps))
		if exec.CurrentStepID != "" {
			if step := seq.StepByID(exec.CurrentStepID); step != nil {
				fmt.Fprintf(out, "Next step:  [%s] %s\n", step.Kind, payloadSummary(step.Payload))
			}
		}
		if exec.NextFireAt != nil {
			fmt.Fprintf(out, "Fires at:   %s\n", exec.NextFireAt.Local().Format(time.RFC3339))
		}
		if seq.Repeat != nil && seq.Repeat.Enabled {
			fmt.Fprintf(out, "Repeat:     cycle %d\n", seq.Repeat.CurrentRepeat+1)
		}
		if exec.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", exec.Error)
		}
		return nil
	},
}

var sequenceEventsCmd = &cobra.Command{
	Use:   "events <sequence-id>",
	Short: "Show the audit trail for a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		svc := newService(database, cfg)
		seq, err := svc.GetSequence(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		events, err := svc.ListEvents(cmd.Context(), seq.ID, 100)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}

		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				ev.Timestamp.Local().Format("15:04:05"),
				string(ev.Type),
				payloadSummary(ev.Payload),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"TIME", "EVENT", "DETAIL"}, rows)
	},
}

func runLifecycle(verb string, fn func(svc *sequencer.Service, cmd *cobra.Command, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := fn(newService(database, cfg), cmd, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sequence %s %s\n", shortID(args[0]), verb)
		return nil
	}
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := map[string]string{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", pair)
		}
		vars[name] = value
	}
	return vars, nil
}

func parseScheduleTime(at, in string) (time.Time, error) {
	switch {
	case at != "" && in != "":
		return time.Time{}, fmt.Errorf("use either --at or --in, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --at: %w", err)
		}
		return t, nil
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --in: %w", err)
		}
		return time.Now().Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("one of --at or --in is required")
	}
}

func payloadSummary(payload json.RawMessage) string {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "-"
	}
	const max = 60
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
