package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/levelup/internal/approval"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/tickets"
	"github.com/mpataki/levelup/internal/workspace"
)

func newTicketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Manage the project's tickets",
	}
	cmd.AddCommand(
		newTicketsAddCommand(),
		newTicketsListCommand(),
		newTicketsShowCommand(),
		newTicketsUpdateCommand(),
		newTicketsStatusCommand(),
		newTicketsDeleteCommand(),
		newTicketsImportCommand(),
		newTicketsExportCommand(),
	)
	return cmd
}

// parseMetadata turns key=value pairs into ticket metadata. Values are read
// as YAML scalars so "true" and "3" keep their types.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		meta[key] = value
	}
	return meta, nil
}

func ticketNumber(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid ticket number %q", arg)
	}
	return n, nil
}

func newTicketsAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title> [description]",
		Short: "Add a pending ticket",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("meta")
			meta, err := parseMetadata(pairs)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-approve") {
				v, _ := cmd.Flags().GetBool("auto-approve")
				if meta == nil {
					meta = map[string]any{}
				}
				meta[approval.AutoApproveKey] = v
			}

			desc, _ := cmd.Flags().GetString("description")
			if len(args) > 1 {
				desc = args[1]
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.AddProject(cmd.Context(), e.project, ""); err != nil {
				return err
			}
			t, err := e.store.AddTicket(cmd.Context(), e.project, args[0], desc, meta)
			if err != nil {
				return err
			}
			fmt.Printf("Added ticket #%d: %s\n", t.Number, t.Title)
			return nil
		},
	}

	cmd.Flags().StringP("description", "d", "", "Ticket description")
	cmd.Flags().StringArray("meta", nil, "Metadata entry (key=value)")
	cmd.Flags().Bool("auto-approve", false, "Auto-approve this ticket's checkpoints")
	return cmd
}

func newTicketsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status models.TicketStatus
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				var err error
				if status, err = models.ParseTicketStatus(s); err != nil {
					return err
				}
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListTickets(cmd.Context(), e.project, status)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No tickets.")
				return nil
			}
			for _, t := range list {
				fmt.Printf("#%-4d %-12s %s\n", t.Number, t.Status, truncate(t.Title, 60))
			}
			return nil
		},
	}

	cmd.Flags().String("status", "", "Only tickets with this status")
	return cmd
}

func newTicketsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <number>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ticketNumber(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.store.GetTicket(cmd.Context(), e.project, n)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("ticket #%d not found", n)
			}

			fmt.Printf("#%d %s\n", t.Number, t.Title)
			fmt.Printf("Status:  %s\n", t.Status)
			fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(t.UpdatedAt))
			auto, source := approval.ResolveAutoApprove(t.Metadata, e.settings.Pipeline.AutoApprove)
			fmt.Printf("Auto-approve: %t (%s)\n", auto, source)
			if len(t.Metadata) > 0 {
				data, err := yaml.Marshal(t.Metadata)
				if err == nil {
					fmt.Printf("Metadata:\n%s", indent(string(data), "  "))
				}
			}
			if run, err := e.store.GetRunForTicket(cmd.Context(), e.project, t.Number); err == nil && run != nil {
				fmt.Printf("Last run: %s (%s)\n", run.ID, run.Status)
			}
			if t.Description != "" {
				fmt.Printf("\n%s\n", t.Description)
			}
			return nil
		},
	}
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "")
}

func newTicketsUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <number>",
		Short: "Change a ticket's title, description or metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ticketNumber(args[0])
			if err != nil {
				return err
			}

			var upd storage.TicketUpdate
			if cmd.Flags().Changed("title") {
				v, _ := cmd.Flags().GetString("title")
				upd.Title = &v
			}
			if cmd.Flags().Changed("description") {
				v, _ := cmd.Flags().GetString("description")
				upd.Description = &v
			}
			pairs, _ := cmd.Flags().GetStringArray("meta")
			clearMeta, _ := cmd.Flags().GetBool("clear-meta")

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if clearMeta || len(pairs) > 0 {
				current, err := e.store.GetTicket(cmd.Context(), e.project, n)
				if err != nil {
					return err
				}
				if current == nil {
					return fmt.Errorf("ticket #%d not found", n)
				}
				add, err := parseMetadata(pairs)
				if err != nil {
					return err
				}
				meta := map[string]any{}
				if !clearMeta {
					for k, v := range current.Metadata {
						meta[k] = v
					}
				}
				for k, v := range add {
					meta[k] = v
				}
				upd.SetMetadata = true
				upd.Metadata = meta
			}

			t, err := e.store.UpdateTicket(cmd.Context(), e.project, n, upd)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("ticket #%d not found", n)
				}
				return err
			}
			fmt.Printf("Updated ticket #%d: %s\n", t.Number, t.Title)
			return nil
		},
	}

	cmd.Flags().String("title", "", "New title")
	cmd.Flags().StringP("description", "d", "", "New description")
	cmd.Flags().StringArray("meta", nil, "Set a metadata entry (key=value)")
	cmd.Flags().Bool("clear-meta", false, "Drop existing metadata first")
	return cmd
}

func newTicketsStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <number> <status>",
		Short: "Set a ticket's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ticketNumber(args[0])
			if err != nil {
				return err
			}
			status, err := models.ParseTicketStatus(args[1])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.SetTicketStatus(cmd.Context(), e.project, n, status); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("ticket #%d not found", n)
				}
				return err
			}
			fmt.Printf("Ticket #%d is now %s\n", n, status)
			return nil
		},
	}
}

func newTicketsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <number>",
		Short: "Delete a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ticketNumber(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if run, err := e.store.HasActiveRunForTicket(cmd.Context(), e.project, n); err != nil {
				return err
			} else if run != nil {
				return fmt.Errorf("ticket #%d has an active run %s", n, run.ID)
			}

			title, err := e.store.DeleteTicket(cmd.Context(), e.project, n)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("ticket #%d not found", n)
				}
				return err
			}
			fmt.Printf("Deleted ticket #%d: %s\n", n, title)
			return nil
		},
	}
}

// ticketsFile resolves the tickets markdown path against the project.
func ticketsFile(e *env, path string) string {
	if path == "" {
		path = e.settings.Project.TicketsFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.project, path)
	}
	return path
}

func newTicketsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Add the tickets of a markdown file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			path = ticketsFile(e, path)
			entries, err := tickets.ParseFile(path)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("No tickets in %s\n", path)
				return nil
			}

			if err := e.store.AddProject(cmd.Context(), e.project, ""); err != nil {
				return err
			}
			created, err := tickets.Import(cmd.Context(), e.store, e.project, entries)
			for _, t := range created {
				fmt.Printf("Added ticket #%d: %s\n", t.Number, t.Title)
			}
			return err
		},
	}
}

func newTicketsExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the project's tickets as markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListTickets(cmd.Context(), e.project, "")
			if err != nil {
				return err
			}
			out := tickets.Render(list)

			path, _ := cmd.Flags().GetString("output")
			if path == "-" {
				fmt.Print(out)
				return nil
			}
			path = ticketsFile(e, path)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(out), 0644); err != nil {
				return fmt.Errorf("failed to write tickets: %w", err)
			}
			fmt.Printf("Wrote %d ticket(s) to %s\n", len(list), path)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Output file, - for stdout (default project.tickets_file)")
	return cmd
}

func newProjectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage known projects",
	}

	add := &cobra.Command{
		Use:   "add [path]",
		Short: "Register a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := envOptions{}
			if len(args) == 1 {
				opts.projectPath = args[0]
			}
			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			name, _ := cmd.Flags().GetString("name")
			if err := e.store.AddProject(cmd.Context(), e.project, name); err != nil {
				return err
			}
			fmt.Printf("Registered %s\n", e.project)
			return nil
		},
	}
	add.Flags().String("name", "", "Display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			projects, err := e.store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects.")
				return nil
			}
			for _, p := range projects {
				fmt.Printf("%-24s %s\n", p.DisplayName, p.Path)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <path>",
		Short: "Forget a project; its tickets are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			removed, err := e.store.RemoveProject(cmd.Context(), path)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println("no such project")
				return nil
			}
			fmt.Printf("Removed %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newWorktreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage run worktrees",
	}

	path := &cobra.Command{
		Use:   "path <run-id>",
		Short: "Print where a run's worktree lives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			fmt.Println(workspace.NewManager(e.cfg.WorktreesDir(), e.logger).PathFor(args[0]))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <run-id>",
		Short: "Remove a run's worktree; the branch is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no such run %s", args[0])
			}
			if run.Status.IsLive() && run.PID > 0 && storage.ProcessAlive(run.PID) {
				return fmt.Errorf("run %s is still %s", run.ID, run.Status)
			}

			m := workspace.NewManager(e.cfg.WorktreesDir(), e.logger)
			if err := m.Remove(cmd.Context(), run.ProjectPath, run.ID); err != nil {
				return err
			}
			fmt.Printf("Removed worktree %s\n", m.PathFor(run.ID))
			return nil
		},
	}

	cmd.AddCommand(path, remove)
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create project settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			source := e.settings.Source
			if source == "" {
				source = "defaults"
			}
			fmt.Printf("# data dir: %s\n# settings: %s\n", e.cfg.DataDir, source)
			data, err := yaml.Marshal(e.settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <section.key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			overrides, _ := cmd.Flags().GetStringArray("set")
			settings, err := config.Load(project, overrides...)
			if err != nil {
				return err
			}
			v, err := settings.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a levelup.yaml with the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			path := filepath.Join(project, config.FileNames[0])
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}

			settings := config.DefaultSettings()
			overrides, _ := cmd.Flags().GetStringArray("set")
			for _, o := range overrides {
				key, value, ok := strings.Cut(o, "=")
				if !ok {
					return fmt.Errorf("invalid override %q (want section.key=value)", o)
				}
				if err := settings.Set(key, value); err != nil {
					return err
				}
			}
			if err := settings.Save(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")

	cmd.AddCommand(show, get, initCmd)
	return cmd
}
