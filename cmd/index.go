package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docrag/src/core/indexer"
)

var (
	indexWatch      bool
	indexBatchSize  int
	indexNoProgress bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index pending attachments",
	Long: `The index command runs one indexing cycle over the pending attachments and
prints a summary. With --watch it keeps running a cycle every indexing.interval
until interrupted.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "keep indexing every indexing.interval")
	indexCmd.Flags().IntVarP(&indexBatchSize, "batch", "b", 0, "documents per cycle (default indexing.batch_size)")
	indexCmd.Flags().BoolVar(&indexNoProgress, "no-progress", false, "do not draw a progress bar")
	rootCmd.AddCommand(indexCmd)
}

// cycleProgress draws the bar of one cycle. Workers report their counts
// without ordering, so the bar only moves forward.
type cycleProgress struct {
	mu     sync.Mutex
	newBar func(total int) *progressbar.ProgressBar
	bar    *progressbar.ProgressBar
	done   int
}

func newCycleProgress() *cycleProgress {
	return &cycleProgress{newBar: func(total int) *progressbar.ProgressBar {
		return progressbar.Default(int64(total), "indexing")
	}}
}

func (p *cycleProgress) update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = p.newBar(total)
	}
	if done <= p.done {
		return
	}
	p.done = done
	_ = p.bar.Set(done)
	if done == total {
		_ = p.bar.Finish()
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)

	store, err := newStore(db)
	if err != nil {
		return err
	}
	emb, err := newEmbedder(ctx)
	if err != nil {
		return err
	}
	documents, err := newDocumentService(db)
	if err != nil {
		return err
	}

	var opts []indexer.Option
	if !indexNoProgress && !indexWatch {
		opts = append(opts, indexer.WithProgress(newCycleProgress().update))
	}
	idx := newIndexer(documents, store.Store, emb, opts...)

	if indexWatch {
		err := idx.Watch(ctx, configDuration("indexing.interval"), configDuration("indexing.retry_delay"))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	report, err := idx.RunBatch(ctx, indexBatchSize)
	printReport(cmd, report)
	return err
}

func printReport(cmd *cobra.Command, r *indexer.CycleReport) {
	if r == nil {
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "documents: %d  indexed: %s  failed: %s  chunks: %d  took: %s\n",
		r.Documents, green(r.Indexed), red(r.Failed), r.Chunks, r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(out, "  %s #%d %s: %s\n", red("✗"), f.DocumentID, f.Name, f.Reason)
	}
}
