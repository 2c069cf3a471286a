package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"loom/internal/api"
)

const (
	ansiReset = "\x1b[0m"
	ansiGreen = "\x1b[32m"
	ansiBlue  = "\x1b[34m"
	ansiRed   = "\x1b[31m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status, queue counts, and enabled models",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status api.DaemonStatus
			if err := client.get("/api/status", &status); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, status)
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a report")
	return cmd
}

func renderStatus(w io.Writer, status api.DaemonStatus) {
	colorize := shouldColorize(w)
	state := "stopped"
	color := ansiRed
	if status.Running {
		state = "running"
		color = ansiGreen
	}
	if colorize {
		state = color + state + ansiReset
	}
	fmt.Fprintf(w, "daemon: %s (pid %d)\n", state, status.PID)
	fmt.Fprintf(w, "storage: %s\n", status.StorageDir)
	fmt.Fprintf(w, "in flight: %d\n\n", status.InFlight)

	fmt.Fprintln(w, sectionHeader("Jobs", colorize))
	fmt.Fprintln(w, renderCounts(status.Jobs))
	fmt.Fprintln(w, sectionHeader("Batches", colorize))
	fmt.Fprintln(w, renderCounts(status.Batches))

	fmt.Fprintln(w, sectionHeader("Models", colorize))
	kinds := make([]string, 0, len(status.Models))
	for kind := range status.Models {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	var rows [][]string
	for _, kind := range kinds {
		models := status.Models[kind]
		sort.Strings(models)
		for _, model := range models {
			rows = append(rows, []string{kind, model})
		}
	}
	fmt.Fprintln(w, renderTable([]string{"KIND", "MODEL"}, rows))
}

func renderCounts(counts map[string]int) string {
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	rows := make([][]string, 0, len(states))
	for _, state := range states {
		rows = append(rows, []string{state, fmt.Sprintf("%d", counts[state])})
	}
	return renderTable([]string{"STATE", "COUNT"}, rows, 2)
}

func sectionHeader(title string, colorize bool) string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	if colorize {
		return ansiBlue + line + ansiReset
	}
	return line
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
