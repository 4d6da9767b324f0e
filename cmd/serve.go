package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	v2 "docrag/handler/http/v2"
	"docrag/src/infrastructure/job"
	"docrag/src/infrastructure/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retrieval HTTP API",
	Long: `The serve command starts an HTTP server answering knowledge searches.
When amqp.url is set it also accepts indexing jobs for the worker.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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
	engine, err := newEngine(store, emb.query)
	if err != nil {
		return err
	}

	checks := map[string]v2.Pinger{
		"database": dbPinger(db),
		"store":    store,
	}
	if emb.ping != nil {
		checks["embedding"] = emb.ping
	}

	var jobs v2.JobEnqueuer
	logger := watermill.NewStdLogger(false, false)
	publisher, err := newPublisher(logger)
	switch {
	case errors.Is(err, errAMQPDisabled):
		log.Info("job queue disabled, indexing routes answer 503")
	case err != nil:
		return err
	default:
		defer publisher.Close()
		jobs = job.NewJobService(publisher, job.NewPostgresJobRepository(db), logger, nil, nil)
	}

	handler := v2.NewHandler(engine, jobs, checks)

	r := gin.Default()
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	go func() {
		log.Info("Starting server", "addr", srv.Addr, "store", store.backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Failed to start server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}
	log.Info("Server exited")
	return nil
}
