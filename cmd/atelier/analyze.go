package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/session"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/spf13/cobra"
)

func analyzeCmd() *cobra.Command {
	var (
		mode        string
		input       string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:          "analyze [brief]",
		Short:        "Run a design consultation, answering interrupts on stdin",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			brief := input
			if len(args) == 1 {
				brief = args[0]
			}
			if strings.TrimSpace(brief) == "" {
				return fmt.Errorf("a design brief is required")
			}
			if mode == "" {
				mode = cfg.Workflow.DefaultMode
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			svc, shutdown, err := startSessions(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			id, err := svc.Start(ctx, brief, mode, "cli")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s started\n", id)
			return drive(ctx, cmd, svc, id, interactive)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "fixed or dynamic, defaults to workflow.default_mode")
	cmd.Flags().StringVarP(&input, "input", "i", "", "design brief, alternative to the positional argument")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "answer interrupts on stdin; when false the command exits at the first interrupt")
	return cmd
}

func resumeCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:          "resume <session_id> [value]",
		Short:        "Answer the pending interrupt of a session",
		Long:         "Answer the pending interrupt of a session. The value is a JSON object, an option such as approve or skip optionally followed by text, or free text.",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			svc, shutdown, err := startSessions(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			id := args[0]
			view, err := svc.Status(ctx, id)
			if err != nil {
				return err
			}
			if view.Status != workflow.StatusWaitingForInput || view.InterruptData == nil {
				return fmt.Errorf("session %s is %s: %w", id, view.Status, session.ErrNotWaiting)
			}
			if len(args) == 1 {
				return drive(ctx, cmd, svc, id, true)
			}
			value, err := resumeValue(view.InterruptData, args[1])
			if err != nil {
				return err
			}
			if err := svc.Resume(ctx, id, value); err != nil {
				return err
			}
			return drive(ctx, cmd, svc, id, interactive)
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", false, "keep answering interrupts on stdin")
	return cmd
}

// drive waits on the session and answers interrupts until it stops.
func drive(ctx context.Context, cmd *cobra.Command, svc *session.Service, id string, interactive bool) error {
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	for {
		view, err := svc.Wait(ctx, id, 500*time.Millisecond)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(out, "\ninterrupted, session %s keeps its last checkpoint\n", id)
				return nil
			}
			return err
		}

		switch view.Status {
		case workflow.StatusCompleted:
			fmt.Fprintf(out, "session %s completed\n", id)
			res, err := svc.Result(ctx, id)
			if err != nil {
				return err
			}
			return renderReport(out, res.FinalReport.Markdown, false, 100)
		case workflow.StatusRejected, workflow.StatusCancelled:
			fmt.Fprintf(out, "session %s %s: %s\n", id, view.Status, view.Detail)
			return nil
		case workflow.StatusFailed:
			return fmt.Errorf("session %s failed: %s", id, view.Error)
		case workflow.StatusWaitingForInput:
			ir := view.InterruptData
			if ir == nil {
				return fmt.Errorf("session %s is waiting without an interrupt", id)
			}
			printInterrupt(out, ir)
			if !interactive {
				fmt.Fprintf(out, "answer with: atelier resume %s <value>\n", id)
				return nil
			}
			fmt.Fprint(out, "> ")
			line, err := in.ReadString('\n')
			if err != nil && (!errors.Is(err, io.EOF) || line == "") {
				fmt.Fprintf(out, "\nno input, session %s stays at %s\n", id, view.CurrentStage)
				return nil
			}
			value, err := resumeValue(ir, line)
			if err != nil {
				fmt.Fprintf(out, "invalid answer: %v\n", err)
				continue
			}
			if err := svc.Resume(ctx, id, value); err != nil {
				if errors.Is(err, session.ErrResumeRejected) {
					fmt.Fprintf(out, "invalid answer: %v\n", err)
					continue
				}
				return err
			}
		default:
			return fmt.Errorf("session %s has unexpected status %s", id, view.Status)
		}
	}
}

func printInterrupt(w io.Writer, ir *workflow.InterruptRequest) {
	fmt.Fprintf(w, "\n[%s] %s\n", ir.InteractionType, ir.Message)
	if len(ir.Data) > 0 {
		if data, err := json.MarshalIndent(ir.Data, "", "  "); err == nil {
			fmt.Fprintln(w, string(data))
		}
	}
	if len(ir.Options) > 0 {
		fmt.Fprintf(w, "options: %s (or %s to stop)\n", strings.Join(ir.Options, ", "), workflow.CancelSentinel)
	}
}

// resumeValue turns a typed answer into a resume payload. A JSON object is
// passed through, a leading option word becomes both action and intent with
// the rest of the line as the answer, anything else is free text.
func resumeValue(ir *workflow.InterruptRequest, line string) (map[string]any, error) {
	line = strings.TrimSpace(line)
	value := map[string]any{}
	switch {
	case line == workflow.CancelSentinel:
		value["cancel"] = true
	case strings.HasPrefix(line, "{"):
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
	default:
		word, rest, _ := strings.Cut(line, " ")
		if ir != nil && slices.Contains(ir.Options, word) {
			value["action"] = word
			value["intent"] = word
			if rest = strings.TrimSpace(rest); rest != "" {
				value["answer"] = rest
			}
		} else {
			value["answer"] = line
		}
	}
	if ir != nil && ir.InterruptID != "" {
		if _, ok := value["interrupt_id"]; !ok {
			value["interrupt_id"] = ir.InterruptID
		}
	}
	return value, nil
}
