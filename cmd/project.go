package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/output"
	"github.com/joescharf/reposync/internal/store"
)

var (
	projectUUID      string
	projectShortName string
	projectLongName  string
	projectCompany   string
	projectVersion   string
	projectType      string
	projectLayout    int
	projectRoot      string
	projectWatchface bool
	projectPlatforms []string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage local projects",
	Long:  "Add, remove, list, and show the projects whose files reposync keeps in sync.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an empty project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a project and its files",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name-or-id>",
	Short: "Show project metadata, files, and sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(args[0])
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectUUID, "uuid", "", "App UUID (default: generated)")
	projectAddCmd.Flags().StringVar(&projectShortName, "short-name", "", "Short display name (default: project name)")
	projectAddCmd.Flags().StringVar(&projectLongName, "long-name", "", "Long display name (default: short name)")
	projectAddCmd.Flags().StringVar(&projectCompany, "company", "", "Company name")
	projectAddCmd.Flags().StringVar(&projectVersion, "version", "1.0", "Version label")
	projectAddCmd.Flags().StringVar(&projectType, "type", "native", "Project type")
	projectAddCmd.Flags().IntVar(&projectLayout, "layout", int(models.LayoutV2), "Repository layout version (1 or 2)")
	projectAddCmd.Flags().StringVar(&projectRoot, "root", "", "Sub-directory of the repository holding the project")
	projectAddCmd.Flags().BoolVar(&projectWatchface, "watchface", false, "Project is a watchface")
	projectAddCmd.Flags().StringSliceVar(&projectPlatforms, "platform", nil, "Target platform (repeatable)")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	v := models.LayoutVersion(projectLayout)
	if !v.Valid() {
		return fmt.Errorf("invalid layout %d: must be 1 or 2", projectLayout)
	}

	appUUID := projectUUID
	if appUUID == "" {
		appUUID = uuid.NewString()
	} else if _, err := uuid.Parse(appUUID); err != nil {
		return fmt.Errorf("invalid uuid %q: %w", appUUID, err)
	}

	short := projectShortName
	if short == "" {
		short = name
	}
	long := projectLongName
	if long == "" {
		long = short
	}

	p := &models.Project{
		Name:            name,
		OwnerID:         viper.GetString("owner"),
		AppUUID:         appUUID,
		ShortName:       short,
		LongName:        long,
		CompanyName:     projectCompany,
		VersionLabel:    projectVersion,
		Watchface:       projectWatchface,
		ProjectType:     projectType,
		TargetPlatforms: projectPlatforms,
		LayoutVersion:   v,
		RepoRoot:        layout.NormalizeRoot(projectRoot),
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (layout v%d)", name, v)
		return nil
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), p.ID)
	ui.VerboseLog("App UUID: %s", p.AppUUID)
	return nil
}

func projectRemoveRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects yet. Use 'reposync project add <name>' or 'reposync import' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "ID", "Layout", "Version", "Updated"})
	for _, p := range projects {
		table.Append([]string{
			output.Cyan(p.Name),
			p.ID,
			fmt.Sprintf("v%d", p.LayoutVersion),
			p.VersionLabel,
			timeAgo(p.UpdatedAt),
		})
	}
	table.Render()
	return nil
}

func projectShowRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:         %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  App UUID:   %s\n", p.AppUUID)
	fmt.Fprintf(ui.Out, "  Names:      %s / %s\n", p.ShortName, p.LongName)
	if p.CompanyName != "" {
		fmt.Fprintf(ui.Out, "  Company:    %s\n", p.CompanyName)
	}
	fmt.Fprintf(ui.Out, "  Version:    %s\n", p.VersionLabel)
	fmt.Fprintf(ui.Out, "  Layout:     v%d (%s)\n", p.LayoutVersion, layout.ManifestName(p.LayoutVersion))
	if p.RepoRoot != "" {
		fmt.Fprintf(ui.Out, "  Root:       %s\n", p.RepoRoot)
	}
	if len(p.TargetPlatforms) > 0 {
		fmt.Fprintf(ui.Out, "  Platforms:  %s\n", strings.Join(p.TargetPlatforms, ", "))
	}
	fmt.Fprintln(ui.Out)

	sources, err := s.ListSources(ctx, p.ID)
	if err != nil {
		return err
	}
	resources, err := s.ListResources(ctx, p.ID)
	if err != nil {
		return err
	}
	var size int64
	for _, r := range resources {
		size += int64(len(r.Content))
	}
	fmt.Fprintf(ui.Out, "  Sources:    %d files\n", len(sources))
	fmt.Fprintf(ui.Out, "  Resources:  %d files (%s)\n", len(resources), formatBytes(size))

	st, err := s.GetSyncState(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(ui.Out, "  Sync:       %s\n", output.Yellow("not linked"))
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(ui.Out)
	printSyncState(st)

	builds, err := s.ListBuilds(ctx, p.ID, 1)
	if err == nil && len(builds) > 0 {
		b := builds[0]
		fmt.Fprintf(ui.Out, "  Last build: %s %s (%s, %s)\n", output.StatusColor(string(b.State)), output.ShortSHA(b.Commit), b.Trigger, timeAgo(b.CreatedAt))
	}
	return nil
}

// resolveProject finds a project by name or id.
func resolveProject(ctx context.Context, s store.Store, nameOrID string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, nameOrID); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, nameOrID); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", nameOrID)
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

// formatBytes returns a human-readable byte size string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
