package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"loom/internal/api"
)

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List stored artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var list api.ArtifactListResponse
			if err := client.get("/api/artifacts", &list); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, list)
			}
			rows := make([][]string, 0, len(list.Artifacts))
			for _, a := range list.Artifacts {
				rows = append(rows, []string{
					a.Kind,
					a.Filename,
					formatSize(a.SizeBytes),
					shortHash(a.Hash),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"KIND", "FILE", "SIZE", "HASH"}, rows, 3))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")

	cmd.AddCommand(newArtifactDeleteCommand(ctx))
	cmd.AddCommand(newArtifactRenameCommand(ctx))
	return cmd
}

func newArtifactDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <hash>",
		Short: "Stage an unreferenced artifact for collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.delete("/api/artifacts?hash="+url.QueryEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %s for collection\n", shortHash(args[0]))
			return nil
		},
	}
}

func newArtifactRenameCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <hash> <new-name>",
		Short: "Rename an uploaded artifact's display slug",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var resp api.RenameResponse
			if err := client.post("/api/artifacts/rename", api.RenameRequest{Hash: args[0], NewName: args[1]}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed to %s\n", resp.Filename)
			return nil
		},
	}
}

func newScavengeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scavenge",
		Short: "Collect trash entries whose grace window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var resp api.ScavengeResponse
			if err := client.post("/api/artifacts/scavenge", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collected %d artifacts\n", resp.Collected)
			return nil
		},
	}
}

func newProjectsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List saved projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var list api.ProjectListResponse
			if err := client.get("/api/projects", &list); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, list)
			}
			rows := make([][]string, 0, len(list.Projects))
			for _, p := range list.Projects {
				rows = append(rows, []string{p.ID, p.Name, p.UpdatedAt})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "UPDATED"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
