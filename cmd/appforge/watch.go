package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/appforge/internal/tui/watch"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Follow a project's live status stream in a terminal dashboard",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runDashboard(c, args[0])
		},
	}
}

func runDashboard(c *client, projectID string) error {
	p := tea.NewProgram(watch.New(c.baseURL, c.apiKey, projectID), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
