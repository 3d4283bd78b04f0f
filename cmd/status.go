package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/output"
	"github.com/joescharf/reposync/internal/store"
)

const staleAfter = 7 * 24 * time.Hour

var statusStale bool

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show sync status dashboard",
	Long: `Show a cross-project sync overview or detailed status for one project.

Without arguments, shows a summary table of all projects.
With a project name, shows detailed status for that project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return projectShowRun(args[0]) // reuse project show for detail
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusStale, "stale", false, "Show only linked projects not synced in 7+ days")
	rootCmd.AddCommand(statusCmd)
}

// projectStatus is the sync overview of one project.
type projectStatus struct {
	state     *models.SyncState
	lastBuild *models.BuildRequest
}

func (ps projectStatus) stale(now time.Time) bool {
	if ps.state == nil {
		return false
	}
	return ps.state.LastSyncAt == nil || now.Sub(*ps.state.LastSyncAt) >= staleAfter
}

func gatherStatus(ctx context.Context, s store.Store, p *models.Project) (projectStatus, error) {
	var ps projectStatus
	st, err := s.GetSyncState(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return ps, err
	default:
		ps.state = st
	}
	if builds, err := s.ListBuilds(ctx, p.ID, 1); err == nil && len(builds) > 0 {
		ps.lastBuild = builds[0]
	}
	return ps, nil
}

func statusOverviewRun() error {
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
		ui.Info("No projects yet. Use 'reposync project add <name>' to get started.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Project", "Repository", "Synced", "State", "Build", "Activity"})

	for _, p := range projects {
		ps, err := gatherStatus(ctx, s, p)
		if err != nil {
			return err
		}
		if statusStale && !ps.stale(now) {
			continue
		}

		table.Append([]string{
			output.Cyan(p.Name),
			repoLabel(ps.state),
			syncedLabel(ps.state),
			stateLabel(ps.state),
			buildLabel(ps.lastBuild),
			activityLabel(ps.state),
		})
	}

	table.Render()
	return nil
}

func repoLabel(st *models.SyncState) string {
	if st == nil {
		return "-"
	}
	return st.Repo + "@" + st.Branch
}

func syncedLabel(st *models.SyncState) string {
	if st == nil {
		return "-"
	}
	return output.ShortSHA(st.LastSyncedCommit)
}

func stateLabel(st *models.SyncState) string {
	switch {
	case st == nil:
		return output.Yellow("not linked")
	case st.PendingCommit != "":
		return output.Red("pull pending")
	case st.LastSyncedCommit == "":
		return output.Yellow("never synced")
	default:
		return output.Green("linked")
	}
}

func buildLabel(b *models.BuildRequest) string {
	if b == nil {
		return "-"
	}
	return output.StatusColor(string(b.State))
}

func activityLabel(st *models.SyncState) string {
	if st == nil || st.LastSyncAt == nil {
		return "n/a"
	}
	return timeAgo(*st.LastSyncAt)
}
