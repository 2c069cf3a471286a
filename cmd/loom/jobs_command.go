package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/api"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var nodeID string
	var jobID string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs for a node or show one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if jobID != "" {
				var job api.JobStatus
				if err := client.get("/job?jobId="+url.QueryEscape(jobID), &job); err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, job)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable([]api.JobStatus{job}))
				return nil
			}
			if nodeID == "" {
				return fmt.Errorf("either --node or --job is required")
			}
			var list api.JobListResponse
			if err := client.get("/job?nodeId="+url.QueryEscape(nodeID), &list); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, list)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(list.Jobs))
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "Node id to list jobs for")
	cmd.Flags().StringVar(&jobID, "job", "", "Job id to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

func renderJobsTable(jobs []api.JobStatus) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		detail := strings.Join(job.Outputs, ", ")
		if detail == "" && job.Error != "" {
			detail = job.Error
		}
		rows = append(rows, []string{
			job.ID,
			job.NodeID,
			job.Model,
			job.Status,
			fmt.Sprintf("%.2f", job.Cost),
			detail,
		})
	}
	return renderTable([]string{"JOB", "NODE", "MODEL", "STATUS", "COST", "OUTPUTS"}, rows, 5)
}

func newBatchesCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var nodeID string
	var batchID string

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List batches for a node or show one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if batchID != "" {
				var batch api.BatchStatus
				if err := client.get("/batch?jobId="+url.QueryEscape(batchID), &batch); err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, batch)
				}
				renderBatch(cmd, batch)
				return nil
			}
			if nodeID == "" {
				return fmt.Errorf("either --node or --batch is required")
			}
			var list api.BatchListResponse
			if err := client.get("/batch?nodeId="+url.QueryEscape(nodeID), &list); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, list)
			}
			for _, batch := range list.Batches {
				renderBatch(cmd, batch)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "Node id to list batches for")
	cmd.Flags().StringVar(&batchID, "batch", "", "Batch id to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

func renderBatch(cmd *cobra.Command, batch api.BatchStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch %s node=%s status=%s %d/%d completed, %d failed\n",
		batch.ID, batch.NodeID, batch.Status, batch.CompletedCount, batch.TotalCount, batch.FailedCount)
	rows := make([][]string, 0, len(batch.Results))
	for _, res := range batch.Results {
		detail := strings.Join(res.Outputs, ", ")
		if detail == "" && res.Error != "" {
			detail = res.Error
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", res.Index),
			res.Status,
			detail,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"#", "STATUS", "OUTPUTS"}, rows, 1))
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-or-batch-id>",
		Short: "Cancel a running job or batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.delete("/batch?jobId="+url.QueryEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	return cmd
}
