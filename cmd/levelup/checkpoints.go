package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

func newCheckpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints [request-id]",
		Short: "List pending checkpoints, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid request id %q", args[0])
				}
				req, err := e.store.GetCheckpoint(cmd.Context(), id)
				if err != nil {
					return err
				}
				if req == nil {
					return fmt.Errorf("no such checkpoint %d", id)
				}
				printCheckpoint(req)
				return nil
			}

			reqs, err := e.store.ListPendingCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No pending checkpoints.")
				return nil
			}
			for _, req := range reqs {
				fmt.Printf("#%-5d %-12s %-14s %6s  %s\n",
					req.ID, req.RunID, req.StepName, storage.FormatTimeAgo(req.CreatedAt), truncate(req.Payload().TaskTitle, 50))
			}
			return nil
		},
	}
}

func printCheckpoint(req *models.CheckpointRequest) {
	p := req.Payload()

	fmt.Printf("Checkpoint #%d for run %s\n", req.ID, req.RunID)
	fmt.Printf("Step:    %s", req.StepName)
	if p.Description != "" {
		fmt.Printf(" (%s)", p.Description)
	}
	fmt.Println()
	fmt.Printf("Task:    %s\n", p.TaskTitle)
	if p.Branch != "" {
		fmt.Printf("Branch:  %s\n", p.Branch)
	}
	if p.Commit != "" {
		fmt.Printf("Commit:  %s\n", p.Commit)
	}
	fmt.Printf("Usage:   $%.4f, %d in / %d out tokens\n", p.Usage.CostUSD, p.Usage.InputTokens, p.Usage.OutputTokens)
	if req.Status == models.CheckpointDecided {
		fmt.Printf("Decided: %s", req.Decision)
		if req.Feedback != "" {
			fmt.Printf(" (%s)", req.Feedback)
		}
		fmt.Println()
	}

	if len(p.SecurityFindings) > 0 {
		fmt.Println("\nFindings:")
		for _, f := range p.SecurityFindings {
			fmt.Printf("  [%s] %s %s:%d %s\n", f.Severity, f.Category, f.File, f.Line, f.Description)
		}
		if p.IssuesRemain {
			fmt.Println("  Issues remain after the security rework.")
		}
	}
	if p.Output != "" {
		fmt.Printf("\n%s\n", p.Output)
	}
}

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <request-id> <approve|revise|reject>",
		Short: "Decide a pending checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			decision, err := models.ParseDecision(args[1])
			if err != nil {
				return err
			}
			feedback, _ := cmd.Flags().GetString("message")
			if decision == models.DecisionRevise && feedback == "" {
				return errors.New("revise needs feedback (-m)")
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			req, err := e.store.GetCheckpoint(cmd.Context(), id)
			if err != nil {
				return err
			}
			if req == nil {
				return fmt.Errorf("no such checkpoint %d", id)
			}
			if req.Status == models.CheckpointDecided {
				fmt.Printf("Checkpoint #%d was already decided (%s); replacing the decision\n", id, req.Decision)
			}

			if err := e.store.SubmitDecision(cmd.Context(), id, decision, feedback); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no such checkpoint %d", id)
				}
				return err
			}
			fmt.Printf("Checkpoint #%d (%s, run %s): %s\n", id, req.StepName, req.RunID, decision)
			return nil
		},
	}

	cmd.Flags().StringP("message", "m", "", "Feedback for the step")
	return cmd
}
