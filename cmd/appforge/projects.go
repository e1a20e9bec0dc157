package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/appforge/internal/api"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// printResult writes raw JSON when --json is set, otherwise calls human.
func printResult(cmd *cobra.Command, g *globalFlags, raw []byte, human func(io.Writer) error) error {
	out := cmd.OutOrStdout()
	if g.jsonOut {
		_, err := fmt.Fprintln(out, strings.TrimSpace(string(raw)))
		return err
	}
	return human(out)
}

func newGenerateCmd(g *globalFlags) *cobra.Command {
	var (
		template string
		wait     bool
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Start generating a new project",
		Args:  minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			req := api.GenerateRequest{Prompt: strings.Join(args, " "), Template: template}
			return submit(cmd, g, c, "/generate", req, wait, follow)
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "Template hint passed to the agent")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until generation finishes and print the final status")
	cmd.Flags().BoolVar(&follow, "watch", false, "Open the live dashboard after submitting")
	return cmd
}

func newRegenerateCmd(g *globalFlags) *cobra.Command {
	var (
		prompt string
		wait   bool
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "regenerate <project-id>",
		Short: "Run a new generation session in an existing project",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return submit(cmd, g, c, projectPath(args[0], "/regenerate"), api.RegenerateRequest{Prompt: prompt}, wait, follow)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "New prompt (default: reuse the previous one)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until generation finishes and print the final status")
	cmd.Flags().BoolVar(&follow, "watch", false, "Open the live dashboard after submitting")
	return cmd
}

func submit(cmd *cobra.Command, g *globalFlags, c *client, path string, body any, wait, follow bool) error {
	ctx, cancel := requestContext(cmd.Context(), wait)
	defer cancel()

	if wait {
		var st orchestrator.Status
		raw, err := c.do(ctx, http.MethodPost, path+"?wait=true", body, &st)
		if err != nil {
			return err
		}
		return printResult(cmd, g, raw, func(w io.Writer) error { return writeStatus(w, st) })
	}

	var resp api.GenerateResponse
	raw, err := c.do(ctx, http.MethodPost, path, body, &resp)
	if err != nil {
		return err
	}
	if follow {
		return runDashboard(c, resp.ProjectID)
	}
	return printResult(cmd, g, raw, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s\t%s\n", resp.ProjectID, resp.State)
		return err
	})
}

func newListCmd(g *globalFlags) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for _, s := range states {
				if _, err := workspace.ParseState(s); err != nil {
					return err
				}
				q.Add("state", s)
			}
			path := "/projects"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), false)
			defer cancel()
			var resp api.ProjectsResponse
			raw, err := c.do(ctx, http.MethodGet, path, nil, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, g, raw, func(w io.Writer) error {
				if len(resp.Projects) == 0 {
					_, err := fmt.Fprintln(w, "No projects found. Create one with: appforge generate <prompt>")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tSESSION\tPORT\tLAST ACTIVE\tPROMPT")
				for _, p := range resp.Projects {
					port := "-"
					if p.Port != 0 {
						port = fmt.Sprint(p.Port)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						p.ID, p.State, p.Session, port, humanize.Time(p.LastActivityAt), clip(p.Prompt, 48))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only list projects in these states (repeatable)")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's lifecycle status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), false)
			defer cancel()
			var st orchestrator.Status
			raw, err := c.do(ctx, http.MethodGet, projectPath(args[0], "/status"), nil, &st)
			if err != nil {
				return err
			}
			return printResult(cmd, g, raw, func(w io.Writer) error { return writeStatus(w, st) })
		},
	}
}

func writeStatus(w io.Writer, st orchestrator.Status) error {
	fmt.Fprintf(w, "Project: %s\n", st.ID)
	fmt.Fprintf(w, "State: %s\n", st.State)
	if st.Generating {
		fmt.Fprintln(w, "Generating: yes")
	}
	fmt.Fprintf(w, "Session: %d\n", st.Session)
	fmt.Fprintf(w, "Prompt: %s\n", st.Prompt)
	if st.Template != "" {
		fmt.Fprintf(w, "Template: %s\n", st.Template)
	}
	fmt.Fprintf(w, "Created: %s\n", humanize.Time(st.CreatedAt))
	fmt.Fprintf(w, "Last active: %s\n", humanize.Time(st.LastActivityAt))
	if st.PreviewURL != "" {
		fmt.Fprintf(w, "Preview: %s\n", st.PreviewURL)
	}
	if p := st.Preview; p != nil {
		fmt.Fprintf(w, "Dev server: %s\n", formatProcess(*p))
	}
	if st.Reason != "" {
		fmt.Fprintf(w, "Reason: %s (%s)\n", st.Reason, st.ReasonKind)
	}
	_, err := fmt.Fprintf(w, "Events: %d\n", st.LastSeq)
	return err
}

func formatProcess(p supervisor.Process) string {
	s := string(p.Health)
	if p.PID != 0 {
		s += fmt.Sprintf(", pid %d", p.PID)
	}
	if p.Port != 0 {
		s += fmt.Sprintf(", port %d", p.Port)
	}
	if p.RestartCount > 0 {
		s += fmt.Sprintf(", %d restarts", p.RestartCount)
	}
	if p.LastError != "" {
		s += ", last error: " + p.LastError
	}
	return s
}

func newFilesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "files <project-id>",
		Short: "List the files a project contains",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), false)
			defer cancel()
			var resp api.FilesResponse
			raw, err := c.do(ctx, http.MethodGet, projectPath(args[0], "/files"), nil, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, g, raw, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				for _, f := range resp.Files {
					size, name := humanize.IBytes(uint64(f.Size)), f.Path
					if f.IsDir {
						size, name = "-", f.Path+"/"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", size, f.ModTime.Local().Format("2006-01-02 15:04"), name)
				}
				return tw.Flush()
			})
		},
	}
}

func newInvocationsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "invocations <project-id>",
		Short: "Show the tool invocation audit trail",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), false)
			defer cancel()
			var resp api.InvocationsResponse
			raw, err := c.do(ctx, http.MethodGet, projectPath(args[0], "/invocations"), nil, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, g, raw, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTOOL\tOUTCOME\tPATHS\tREASON")
				for _, r := range resp.Invocations {
					outcome := string(r.Outcome)
					if r.ErrorKind != "" {
						outcome += " (" + string(r.ErrorKind) + ")"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.StartedAt.Local().Format("15:04:05"), r.Tool, outcome,
						strings.Join(r.ResolvedPaths, ","), clip(r.Reason, 60))
				}
				return tw.Flush()
			})
		},
	}
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Cancel a running generation",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleWorkspaceCall(cmd, g, http.MethodPost, projectPath(args[0], "/cancel"))
		},
	}
}

func newRestartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <project-id>",
		Short: "Restart a project's preview server",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), true)
			defer cancel()
			var p supervisor.Process
			raw, err := c.do(ctx, http.MethodPost, projectPath(args[0], "/preview/restart"), nil, &p)
			if err != nil {
				return err
			}
			return printResult(cmd, g, raw, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, formatProcess(p))
				return err
			})
		},
	}
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <project-id>",
		Aliases: []string{"rm"},
		Short:   "Destroy a project and its workspace",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), false)
			defer cancel()
			if _, err := c.do(ctx, http.MethodDelete, projectPath(args[0], ""), nil, nil); err != nil {
				return err
			}
			if !g.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			}
			return nil
		},
	}
}

func simpleWorkspaceCall(cmd *cobra.Command, g *globalFlags, method, path string) error {
	c, err := newClient(g)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd.Context(), false)
	defer cancel()
	var ws workspace.Workspace
	raw, err := c.do(ctx, method, path, nil, &ws)
	if err != nil {
		return err
	}
	return printResult(cmd, g, raw, func(w io.Writer) error {
		line := fmt.Sprintf("%s\t%s", ws.ID, ws.State)
		if ws.Reason != "" {
			line += "\t" + ws.Reason
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
