package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/dm/internal/deploy"
	"github.com/joescharf/dm/internal/history"
	"github.com/joescharf/dm/internal/output"
)

var (
	deployBranch string
	listMetrics  bool
	listJSON     bool
	showHistory  int
	purgeHistory bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <name> <source-url>",
	Short: "Deploy a new project from a code host",
	Long: `Download the current snapshot of a branch into a new workspace,
install its dependencies and register the project.

The source URL must point at a supported code host, for example
https://github.com/owner/repo.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deployRun(cliContext(cmd), args[0], args[1])
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [name]",
	Short: "Refresh one or all projects",
	Long:  "Re-download the tracked branch of a project and reinstall dependencies.\nWithout a name every project is refreshed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return refreshRun(cliContext(cmd), args[0])
		}
		return refreshAllRun(cliContext(cmd))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a project and its workspace",
	Long:    "Delete a project and its workspace.\nWith --purge-history its deployment history is removed as well.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteRun(cliContext(cmd), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List deployed projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRun(listMetrics)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a project and its recent deployments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(cliContext(cmd), args[0])
	},
}

func init() {
	deployCmd.Flags().StringVarP(&deployBranch, "branch", "b", "", "Branch to deploy (default from default_branch)")
	listCmd.Flags().BoolVarP(&listMetrics, "metrics", "m", false, "Include workspace file count and size")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	showCmd.Flags().IntVar(&showHistory, "history", 10, "Number of deployments to show")
	deleteCmd.Flags().BoolVar(&purgeHistory, "purge-history", false, "Also remove the project's deployment history")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
}

// rootContext is the context of the running command, or Background.
func rootContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// cliContext tags cmd's context so the action log and history attribute
// the operation to the CLI.
func cliContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = rootContext()
	}
	return deploy.WithTrigger(ctx, deploy.TriggerCLI)
}

func deployRun(ctx context.Context, name, sourceURL string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	branch := strings.TrimSpace(deployBranch)
	if branch == "" {
		branch = o.DefaultBranch()
	}

	if dryRun {
		if err := o.ValidateName(name); err != nil {
			return err
		}
		if err := o.ValidateSource(sourceURL); err != nil {
			return err
		}
		ui.DryRunMsg("Would deploy %s from %s@%s into %s", name, sourceURL, branch, o.WorkspacePath(name))
		return nil
	}

	ui.Info("Deploying %s from %s@%s", output.Cyan(name), sourceURL, branch)
	out, err := o.Create(ctx, name, sourceURL, branch)
	if err != nil {
		return err
	}
	reportOutcome(out)
	return nil
}

func refreshRun(ctx context.Context, name string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	if dryRun {
		p, err := o.Get(name)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would refresh %s from %s@%s", p.Name, p.SourceURL, p.Branch)
		return nil
	}

	ui.Info("Refreshing %s", output.Cyan(name))
	out, err := o.Refresh(ctx, name)
	if err != nil {
		return err
	}
	reportOutcome(out)
	return nil
}

func refreshAllRun(ctx context.Context) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	views := o.List(false)
	if len(views) == 0 {
		ui.Info("No projects deployed. Use 'dm deploy <name> <url>' to get started.")
		return nil
	}
	if dryRun {
		for _, v := range views {
			ui.DryRunMsg("Would refresh %s from %s@%s", v.Name, v.SourceURL, v.Branch)
		}
		return nil
	}

	ui.Info("Refreshing %d projects", len(views))
	result := o.RefreshAll(ctx)

	table := ui.Table([]string{"Project", "Status", "Install", "Message"})
	for _, r := range result.Results {
		table.Append([]string{
			output.Cyan(r.Name),
			output.StatusColor(r.Status),
			output.StatusColor(string(r.Install)),
			r.Message,
		})
	}
	table.Render()

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d projects failed to refresh", result.Failed, result.Total)
	}
	ui.Success("Refreshed %d projects", result.Refreshed)
	return nil
}

func deleteRun(ctx context.Context, name string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	if dryRun {
		p, err := o.Get(name)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would delete %s and its workspace %s", p.Name, p.WorkspacePath)
		if purgeHistory {
			ui.DryRunMsg("Would purge deployment history of %s", p.Name)
		}
		return nil
	}

	p, err := o.Delete(ctx, name)
	if err != nil {
		return err
	}
	ui.Success("Deleted project: %s (%s)", output.Cyan(p.Name), p.WorkspacePath)

	if !purgeHistory {
		return nil
	}
	hist, err := getHistory()
	if err != nil {
		return err
	}
	n, err := hist.Purge(ctx, p.Name)
	if err != nil {
		return err
	}
	ui.Info("Purged %s deployment records", output.Count(int(n)))
	return nil
}

func listRun(withMetrics bool) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	views := o.List(withMetrics)
	if listJSON {
		return ui.JSON(views)
	}
	if len(views) == 0 {
		ui.Info("No projects deployed. Use 'dm deploy <name> <url>' to get started.")
		return nil
	}

	headers := []string{"Name", "Source", "Branch", "Updated", "Deploys", "Updates"}
	if withMetrics {
		headers = append(headers, "Files", "Size")
	}
	table := ui.Table(headers)
	for _, v := range views {
		row := []string{
			output.Cyan(v.Name),
			v.SourceURL,
			v.Branch,
			output.Ago(v.LastUpdatedAt),
			output.Count(v.DeployCount),
			output.Count(v.UpdateCount),
		}
		if withMetrics {
			if v.Metrics != nil {
				row = append(row, output.Count(v.Metrics.Files), output.Size(v.Metrics.Bytes))
			} else {
				row = append(row, "-", "-")
			}
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func showRun(ctx context.Context, name string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	p, err := o.Get(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  Source:     %s\n", p.SourceURL)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", p.Branch)
	fmt.Fprintf(ui.Out, "  Workspace:  %s\n", p.WorkspacePath)
	fmt.Fprintf(ui.Out, "  Created:    %s\n", output.Ago(p.CreatedAt))
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", output.Ago(p.LastUpdatedAt))
	fmt.Fprintf(ui.Out, "  Deploys:    %d, updates: %d\n", p.DeployCount, p.UpdateCount)

	for _, v := range o.List(true) {
		if v.Name == p.Name && v.Metrics != nil {
			fmt.Fprintf(ui.Out, "  Files:      %s (%s)\n", output.Count(v.Metrics.Files), output.Size(v.Metrics.Bytes))
		}
	}

	hist, err := getHistory()
	if err != nil {
		return err
	}
	limit := showHistory
	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	rows, err := hist.List(ctx, p.Name, limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"When", "Action", "Trigger", "Status", "Install", "Took", "Error"})
	for _, d := range rows {
		table.Append([]string{
			output.Ago(d.StartedAt),
			string(d.Action),
			d.Trigger,
			output.StatusColor(string(d.Status)),
			output.StatusColor(d.InstallStatus),
			d.Duration().Round(10 * time.Millisecond).String(),
			d.Error,
		})
	}
	table.Render()
	return nil
}

// reportOutcome prints a Create or Refresh outcome.
func reportOutcome(out *deploy.Outcome) {
	if out.Degraded {
		ui.Warning("%s", out.Summary())
	} else {
		ui.Success("%s", out.Summary())
	}
	if r := out.Report; r != nil {
		ui.VerboseLog("Fetched %s files (%s) from %s", output.Count(r.Files), output.Size(r.Bytes), r.ArchiveURL)
		for _, w := range r.Warnings {
			ui.VerboseLog("%s", w)
		}
	}
	if out.Install.Manifest != "" {
		ui.VerboseLog("Install %s via %s in %s", out.Install.Status, out.Install.Manifest, out.Install.Duration.Round(time.Millisecond))
	}
}
