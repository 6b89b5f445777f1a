package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careervp/src/infrastructure/integrations/ollama"
	jobctrl "careervp/src/infrastructure/job"
	"careervp/src/storage/minioctrl"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the generation job worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	settingDefaultConfig()
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Initialize logger
	logger := watermill.NewStdLogger(false, false)

	// Initialize PostgreSQL connection
	db, err := openDatabase()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// Initialize AMQP publisher (dead letters are published back through it)
	amqpPublisher, err := amqp.NewPublisher(
		amqp.NewDurableQueueConfig(viper.GetString("amqp.url")),
		logger,
	)
	if err != nil {
		return err
	}
	defer amqpPublisher.Close()

	// Initialize AMQP subscriber. The prefetch count bounds how many
	// generation calls this process holds in flight at once.
	subscriberConfig := amqp.NewDurableQueueConfig(viper.GetString("amqp.url"))
	subscriberConfig.Consume.NoRequeueOnNack = true
	subscriberConfig.Consume.Qos.PrefetchCount = viper.GetInt("worker.concurrency")
	amqpSubscriber, err := amqp.NewSubscriber(
		subscriberConfig,
		logger,
	)
	if err != nil {
		return err
	}
	defer amqpSubscriber.Close()

	// Initialize router
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return err
	}

	// Messages that exhaust their retries land on the dead-letter topic,
	// where a second handler records the terminal failure.
	poisonQueue, err := middleware.PoisonQueue(amqpPublisher, jobctrl.DeadLetterTopic)
	if err != nil {
		return err
	}

	// Add middleware
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		poisonQueue,
		middleware.Retry{
			MaxRetries:      viper.GetInt("worker.max_retries"),
			InitialInterval: time.Second,
			Logger:          logger,
		}.Middleware,
	)

	// Initialize MinioService
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
		viper.GetString("minio.result_bucket"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize minio service: %v", err)
	}
	if err := minioService.EnsureBucketExists(cmd.Context()); err != nil {
		return fmt.Errorf("failed to ensure result bucket: %v", err)
	}

	// Initialize the generation collaborator
	ollamaClient := ollama.NewClient(viper.GetString("ollama.url"), &http.Client{})
	generationTask := jobctrl.NewGenerationTask(ollamaClient, viper.GetString("ollama.model"))

	// Initialize job repository and worker
	jobRepo := jobctrl.NewPostgresJobRepository(db)
	worker := jobctrl.NewWorker(jobRepo, minioService, generationTask, logger)

	// Add handler for processing generation jobs
	router.AddNoPublisherHandler(
		"generation_processor",
		jobctrl.GenerationTopic,
		amqpSubscriber,
		worker.ProcessMessage,
	)

	// Add handler for dead-lettered jobs
	router.AddNoPublisherHandler(
		"dead_letter_processor",
		jobctrl.DeadLetterTopic,
		amqpSubscriber,
		worker.ProcessDeadLetter,
	)

	// Run the router
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := router.Run(ctx)
		if err != nil {
			log.Fatal(err)
		}
	}()

	// Periodically purge jobs past their retention boundary together with
	// their orphaned result objects.
	go func() {
		ticker := time.NewTicker(viper.GetDuration("job.purge_interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := worker.PurgeExpired(ctx); err != nil {
					logger.Error("Expiry purge failed", err, nil)
				}
			}
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Println("Shutting down...")
	cancel()
	<-router.Running()
	log.Println("Router stopped")

	return nil
}
