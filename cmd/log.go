package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/dm/internal/actionlog"
)

var (
	logLines int
	logClear bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show or clear the action log",
	Long:  "Print the most recent lines of the action log, or clear it with --clear.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if logClear {
			return logClearRun()
		}
		return logTailRun(logLines)
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLines, "lines", "l", actionlog.DefaultTailLines, "Number of lines to show")
	logCmd.Flags().BoolVar(&logClear, "clear", false, "Clear the action log")
	rootCmd.AddCommand(logCmd)
}

func logTailRun(n int) error {
	l, err := getActionLog()
	if err != nil {
		return err
	}
	lines, err := l.Tail(n)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		ui.Info("Action log is empty (%s)", l.Path())
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(ui.Out, line)
	}
	return nil
}

func logClearRun() error {
	l, err := getActionLog()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would clear %s", l.Path())
		return nil
	}
	if err := l.Clear(); err != nil {
		return err
	}
	ui.Success("Cleared action log")
	return nil
}
