package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/gitsync"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/output"
)

var (
	syncBranch    string
	syncAutoPull  bool
	syncAutoBuild bool
	authToken     string
	buildLimit    int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Link projects to GitHub and move files both ways",
}

var syncLinkCmd = &cobra.Command{
	Use:   "link <project> <owner/repo>",
	Short: "Link a project to a GitHub repository branch",
	Long: `Link a project to a GitHub repository branch.

The configured owner's credential must have push access to the repository.
The printed webhook URL goes into the repository's webhook settings
(content type application/json, "Just the push event").`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncLinkRun(args[0], args[1])
	},
}

var syncUnlinkCmd = &cobra.Command{
	Use:   "unlink <project>",
	Short: "Forget the repository link of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncUnlinkRun(args[0])
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push <project>",
	Short: "Commit local changes to the linked branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPushRun(args[0])
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull <project>",
	Short: "Replace local files with the head of the linked branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPullRun(args[0])
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show the sync state of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncStatusRun(args[0])
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the GitHub credential",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a GitHub token for the configured owner",
	Long: `Store a GitHub token for the configured owner.

The token is taken from --token, then github.token, then $GITHUB_TOKEN. It is
verified against the API before it is saved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return authLoginRun()
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored GitHub token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authLogoutRun()
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Queue and list builds",
}

var buildRunCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Queue a build at the last synced commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildRunRun(args[0])
	},
}

var buildListCmd = &cobra.Command{
	Use:     "list <project>",
	Aliases: []string{"ls"},
	Short:   "List recent builds",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildListRun(args[0])
	},
}

func init() {
	syncLinkCmd.Flags().StringVarP(&syncBranch, "branch", "b", gitsync.DefaultBranch, "Branch to sync with")
	syncLinkCmd.Flags().BoolVar(&syncAutoPull, "auto-pull", true, "Pull when the webhook reports a push")
	syncLinkCmd.Flags().BoolVar(&syncAutoBuild, "auto-build", false, "Queue a build when the webhook reports a push")

	syncCmd.AddCommand(syncLinkCmd)
	syncCmd.AddCommand(syncUnlinkCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)

	authLoginCmd.Flags().StringVar(&authToken, "token", "", "GitHub token")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	rootCmd.AddCommand(authCmd)

	buildListCmd.Flags().IntVar(&buildLimit, "limit", 10, "Number of builds to show")
	buildCmd.AddCommand(buildRunCmd)
	buildCmd.AddCommand(buildListCmd)
	rootCmd.AddCommand(buildCmd)
}

func syncLinkRun(name, repo string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would link %s to %s@%s", p.Name, repo, syncBranch)
		return nil
	}

	st, err := newOrchestrator(s, nil, newLogger()).Link(ctx, p.ID, gitsync.LinkOptions{
		Repo:      repo,
		Branch:    syncBranch,
		AutoPull:  syncAutoPull,
		AutoBuild: syncAutoBuild,
	})
	if err != nil {
		return fmt.Errorf("link %s: %w", p.Name, err)
	}

	ui.Success("Linked %s to %s@%s", output.Cyan(p.Name), st.Repo, st.Branch)
	fmt.Fprintf(ui.Out, "  Webhook:    %s\n", gitsync.WebhookURL(viper.GetString("server.public_url"), p.ID, st.WebhookSecret))
	return nil
}

func syncUnlinkRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would unlink %s", p.Name)
		return nil
	}

	if err := newOrchestrator(s, nil, newLogger()).Unlink(ctx, p.ID); err != nil {
		return err
	}
	ui.Success("Unlinked %s", output.Cyan(p.Name))
	return nil
}

func syncPushRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would push %s", p.Name)
		return nil
	}

	res, err := newOrchestrator(s, nil, newLogger()).Push(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("push %s: %w", p.Name, err)
	}
	if !res.Changed {
		ui.Info("Nothing to push: %s is up to date at %s", p.Name, output.ShortSHA(res.Commit))
		return nil
	}

	ui.Success("Pushed %s as %s", output.Cyan(p.Name), output.ShortSHA(res.Commit))
	for _, c := range res.Changes {
		fmt.Fprintf(ui.Out, "  %s\n", output.ChangeColor(c))
	}
	return nil
}

func syncPullRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would pull %s", p.Name)
		return nil
	}

	res, err := newOrchestrator(s, nil, newLogger()).Pull(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("pull %s: %w", p.Name, err)
	}
	if res.Skipped {
		ui.Info("Already up to date at %s", output.ShortSHA(res.Commit))
		return nil
	}
	ui.Success("Pulled %s at %s: %d sources, %d resources", output.Cyan(p.Name), output.ShortSHA(res.Commit), res.Sources, res.Resources)
	return nil
}

func syncStatusRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	st, err := newOrchestrator(s, nil, newLogger()).Status(ctx, p.ID)
	if errors.Is(err, gitsync.ErrNotLinked) {
		ui.Info("%s is not linked. Use 'reposync sync link %s <owner/repo>'.", p.Name, p.Name)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	printSyncState(st)
	return nil
}

// printSyncState writes the linked repository and sync progress of a project.
func printSyncState(st *models.SyncState) {
	fmt.Fprintf(ui.Out, "  Repository: %s@%s\n", st.Repo, st.Branch)
	fmt.Fprintf(ui.Out, "  Synced:     %s\n", output.ShortSHA(st.LastSyncedCommit))
	if st.PendingCommit != "" {
		fmt.Fprintf(ui.Out, "  Pending:    %s\n", output.Yellow(output.ShortSHA(st.PendingCommit)))
	}
	if st.LastSyncAt != nil {
		fmt.Fprintf(ui.Out, "  Last sync:  %s\n", timeAgo(*st.LastSyncAt))
	}
	fmt.Fprintf(ui.Out, "  Auto:       pull=%t build=%t\n", st.AutoPull, st.AutoBuild)
	fmt.Fprintf(ui.Out, "  Webhook:    %s\n", gitsync.WebhookURL(viper.GetString("server.public_url"), st.ProjectID, st.WebhookSecret))
}

func authLoginRun() error {
	token := authToken
	if token == "" {
		token = viper.GetString("github.token")
	}
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("no token: pass --token or set GITHUB_TOKEN")
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	owner := viper.GetString("owner")
	if dryRun {
		ui.DryRunMsg("Would store GitHub token for %s", owner)
		return nil
	}

	cred, err := newOrchestrator(s, nil, newLogger()).SetCredential(ctx, owner, token)
	if err != nil {
		return err
	}
	ui.Success("Authenticated %s as %s", owner, output.Cyan(cred.Username))
	return nil
}

func authLogoutRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	owner := viper.GetString("owner")
	if dryRun {
		ui.DryRunMsg("Would delete GitHub token for %s", owner)
		return nil
	}

	ctx, cancel := commandContext()
	defer cancel()
	if err := s.DeleteCredential(ctx, owner); err != nil {
		return err
	}
	ui.Success("Removed GitHub token for %s", owner)
	return nil
}

func buildRunRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	req := build.Request{Trigger: models.BuildTriggerManual}
	if st, err := s.GetSyncState(ctx, p.ID); err == nil {
		req.Commit = st.LastSyncedCommit
	}

	if dryRun {
		ui.DryRunMsg("Would queue a build of %s at %s", p.Name, output.ShortSHA(req.Commit))
		return nil
	}

	b, err := newOrchestrator(s, nil, newLogger()).Build(ctx, p.ID, req)
	if err != nil {
		return err
	}
	ui.Success("Queued build %s of %s", b.ID, output.Cyan(p.Name))
	return nil
}

func buildListRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	builds, err := s.ListBuilds(ctx, p.ID, buildLimit)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		ui.Info("No builds for %s", p.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "State", "Trigger", "Commit", "Created"})
	for _, b := range builds {
		table.Append([]string{
			b.ID,
			output.StatusColor(string(b.State)),
			string(b.Trigger),
			output.ShortSHA(b.Commit),
			timeAgo(b.CreatedAt),
		})
	}
	table.Render()
	return nil
}
