package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/dm/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deployment statistics",
	Long: `Show how many projects are deployed, how many were updated today,
and the total number of deploys and updates. Also reports whether the
background server is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	st := o.Stats()
	fmt.Fprintf(ui.Out, "  Projects:       %s\n", output.Count(st.TotalProjects))
	fmt.Fprintf(ui.Out, "  Updated today:  %s\n", output.Count(st.UpdatedToday))
	fmt.Fprintf(ui.Out, "  Deploys:        %s\n", output.Count(st.TotalDeploys))
	fmt.Fprintf(ui.Out, "  Updates:        %s\n", output.Count(st.TotalUpdates))
	fmt.Fprintf(ui.Out, "  Workspaces:     %s\n", o.ProjectsDir())

	server := output.Yellow("stopped")
	if pid, running := pidFile().IsRunning(); running {
		server = output.Green(fmt.Sprintf("running (pid %d)", pid))
	}
	fmt.Fprintf(ui.Out, "  Server:         %s\n", server)
	return nil
}
