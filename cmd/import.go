package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/output"
	"github.com/joescharf/reposync/internal/snapshot"
	"github.com/joescharf/reposync/internal/store"
)

var importProject string

var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Replace a project's files with the content of a zip archive",
	Long: `Replace a project's files with the content of a zip archive.

The archive may be a GitHub zipball or any zip holding one project. The
project named by --project is created when it does not exist yet (default:
the archive file name). Sync state is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importRun(args[0])
	},
}

func init() {
	importCmd.Flags().StringVarP(&importProject, "project", "p", "", "Project name or id")
	rootCmd.AddCommand(importCmd)
}

func importRun(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	name := importProject
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	logger := newLogger()
	importer := snapshot.NewArchiveImporter(s, logger)
	if dryRun {
		content, err := importer.Read(data)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would import %d sources and %d resources into %s (layout v%d)",
			len(content.Sources), len(content.Resources), name, content.Project.LayoutVersion)
		return nil
	}

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		// Validate before creating so a bad archive leaves no empty project.
		if _, err := importer.Read(data); err != nil {
			return err
		}
		p = &models.Project{Name: name, OwnerID: viper.GetString("owner")}
		if err := s.CreateProject(ctx, p); err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		ui.VerboseLog("Created project %s (%s)", name, p.ID)
	}

	content, err := newOrchestrator(s, nil, logger).Import(ctx, p.ID, data)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("project not found: %s", name)
	}
	if err != nil {
		return err
	}

	ui.Success("Imported %s: %d sources, %d resources (layout v%d)",
		output.Cyan(p.Name), len(content.Sources), len(content.Resources), content.Project.LayoutVersion)
	return nil
}
