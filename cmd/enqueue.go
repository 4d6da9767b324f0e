package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docrag/src/infrastructure/job"
)

var (
	enqueueDocumentID int64
	enqueueBatchSize  int
	enqueueList       bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue an indexing job for the worker",
	Long: `The enqueue command publishes an index_cycle job, or a clear_error job for
one attachment with --document. --list shows the most recent jobs instead.`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().Int64VarP(&enqueueDocumentID, "document", "d", 0, "clear the indexing error of this attachment")
	enqueueCmd.Flags().IntVarP(&enqueueBatchSize, "batch", "b", 0, "documents for the index cycle (default worker setting)")
	enqueueCmd.Flags().BoolVarP(&enqueueList, "list", "l", false, "list recent jobs")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)
	repo := job.NewPostgresJobRepository(db)

	if enqueueList {
		jobs, err := repo.Recent(ctx, 20)
		if err != nil {
			return err
		}
		printJobs(cmd, jobs)
		return nil
	}

	logger := watermill.NewStdLogger(false, false)
	publisher, err := newPublisher(logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	service := job.NewJobService(publisher, repo, logger, nil, nil)

	var j *job.Job
	if enqueueDocumentID > 0 {
		j, err = service.EnqueueClearError(ctx, enqueueDocumentID)
	} else {
		j, err = service.EnqueueIndexCycle(ctx, enqueueBatchSize)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued job %d (%s)\n", j.ID, j.TaskType)
	return nil
}

func printJobs(cmd *cobra.Command, jobs []job.Job) {
	status := map[job.JobStatus]func(a ...interface{}) string{
		job.JobStatusPending:   color.New(color.FgYellow).SprintFunc(),
		job.JobStatusRunning:   color.New(color.FgCyan).SprintFunc(),
		job.JobStatusCompleted: color.New(color.FgGreen).SprintFunc(),
		job.JobStatusFailed:    color.New(color.FgRed).SprintFunc(),
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tUPDATED\tERROR")
	for _, j := range jobs {
		errMsg := ""
		if j.Error != nil {
			errMsg = *j.Error
		}
		paint := status[j.Status]
		if paint == nil {
			paint = fmt.Sprint
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.TaskType, paint(j.Status), j.UpdatedAt.Format("2006-01-02 15:04:05"), errMsg)
	}
	_ = w.Flush()
}
