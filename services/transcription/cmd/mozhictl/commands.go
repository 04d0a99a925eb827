package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"mozhi/pkg/domain"
	"mozhi/services/transcription/internal/app"
)

func newProjectsCommand(ctx *commandContext) *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp()
			if err != nil {
				return err
			}
			res, err := a.ListProjects(cmd.Context(), page)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Total == 0 {
				fmt.Fprintln(out, "No projects")
				return nil
			}
			rows := make([][]string, 0, len(res.Projects))
			for _, p := range res.Projects {
				rows = append(rows, []string{
					p.ID,
					p.Name,
					strconv.Itoa(int(p.SampleRate)),
					strconv.Itoa(p.TranscriptCount),
					p.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Name", "Rate", "Transcripts", "Created"}, rows, 3, 4))
			fmt.Fprintf(out, "Page %d of %d (%d projects)\n", res.Page, res.TotalPages, res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <project-id>",
		Short: "Write the project manifest and print progress events as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			var failure string
			err = a.ExportProject(cmd.Context(), args[0], func(ev app.Event) {
				if ev.Type == app.EventError {
					failure = ev.Error
				}
				_ = enc.Encode(ev)
			})
			if err != nil {
				return err
			}
			if failure != "" {
				return fmt.Errorf("export failed: %s", failure)
			}
			return nil
		},
	}
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var (
		sampleRate int
		strict     bool
	)
	cmd := &cobra.Command{
		Use:   "import <folder>",
		Short: "Create a project from an existing folder with a details.json manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp()
			if err != nil {
				return err
			}
			owner, err := a.FallbackUser(cmd.Context())
			if err != nil {
				return fmt.Errorf("resolve owner: %w (create a user first)", err)
			}
			res, err := a.ImportProject(cmd.Context(), owner, app.ImportRequest{
				FolderName: args[0],
				SampleRate: domain.SampleRate(sampleRate),
				Strict:     strict,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s into project %s (%s)\n", res.Message, res.Project.Name, res.Project.ID)
			for _, name := range res.MissingFiles {
				fmt.Fprintf(out, "missing: %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 0, "Sample rate in Hz (default from config)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort on the first missing audio file")
	return cmd
}

func newDeleteProjectCommand(ctx *commandContext) *cobra.Command {
	var deleteFiles bool
	cmd := &cobra.Command{
		Use:   "delete-project <project-id>",
		Short: "Delete a project and its transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp()
			if err != nil {
				return err
			}
			if err := a.DeleteProject(cmd.Context(), args[0], deleteFiles); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteFiles, "delete-files", false, "Also remove the project folder from disk")
	return cmd
}

func newCreateUserCommand(ctx *commandContext) *cobra.Command {
	var (
		admin    bool
		password string
	)
	cmd := &cobra.Command{
		Use:   "create-user <email>",
		Short: "Create an account (password from --password or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp()
			if err != nil {
				return err
			}
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required (--password or stdin)")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			role := domain.RoleUser
			if admin {
				role = domain.RoleAdmin
			}
			user, err := a.CreateUser(cmd.Context(), args[0], password, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s (%s)\n", user.Role, user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	return cmd
}
