package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "levelup",
		Short: "Checkpointed development pipeline",
		Long: "levelup drives a task through requirements, planning, test writing, implementation,\n" +
			"security review and code review, pausing for human approval between steps.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("project", "C", ".", "Project directory")
	rootCmd.PersistentFlags().StringArray("set", nil, "Override a setting (section.key=value)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newForgetCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newTicketsCommand())
	rootCmd.AddCommand(newProjectsCommand())
	rootCmd.AddCommand(newWorktreeCommand())
	rootCmd.AddCommand(newConfigCommand())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status once the command has reported
// the outcome itself.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}
