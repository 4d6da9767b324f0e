package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"

	"docrag/src/infrastructure/job"
	"docrag/src/infrastructure/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background indexing job worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := watermill.NewStdLogger(false, false)

	db, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)

	publisher, err := newPublisher(logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	subscriber, err := newSubscriber(logger)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return err
	}
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: time.Second,
			Logger:          logger,
		}.Middleware,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	idx := newIndexer(documents, store.Store, emb)

	jobRepo := job.NewPostgresJobRepository(db)
	jobService := job.NewJobService(publisher, jobRepo, logger, idx, documents)

	router.AddNoPublisherHandler(
		"job_processor",
		job.Topic,
		subscriber,
		jobService.ProcessJobMessage,
	)

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Error(err, "router stopped")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutting down...")
		cancel()
		<-router.Running()
	case <-ctx.Done():
	}
	log.Info("Router stopped")
	return nil
}
