// Worker binary: consumes chat generation and feedback jobs from the Redis
// queue and runs the pipeline against Postgres, Solr, and the inference
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/classify"
	"github.com/aviary-hr/aviary/internal/config"
	"github.com/aviary-hr/aviary/internal/feedback"
	"github.com/aviary-hr/aviary/internal/llm"
	"github.com/aviary-hr/aviary/internal/pipeline"
	"github.com/aviary-hr/aviary/internal/queue"
	"github.com/aviary-hr/aviary/internal/retrieval"
	"github.com/aviary-hr/aviary/internal/store"
	"github.com/aviary-hr/aviary/internal/translate"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	st, err := store.NewPostgres(store.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to postgres", zap.Error(err))
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	chatClient := llm.NewClient(llm.Config{
		BaseURL: cfg.Ollama.BaseURL,
		Model:   cfg.Ollama.ChatModel.Name,
		Timeout: cfg.Ollama.Timeout,
	}, logger.Named("llm"))
	titleClient := llm.NewClient(llm.Config{
		BaseURL: cfg.Ollama.BaseURL,
		Model:   cfg.Ollama.TitleModel.Name,
		Timeout: cfg.Ollama.Timeout,
	}, logger.Named("llm.title"))

	translator := translate.New(chatClient, translate.Config{
		AttemptTimeout: cfg.Pipeline.TranslationTimeout,
		Retries:        cfg.Pipeline.TranslationRetries,
	}, logger.Named("translate"))

	searcher := retrieval.NewClient(retrieval.Config{
		BaseURL:      cfg.Solr.BaseURL,
		Core:         cfg.Solr.Core,
		Timeout:      cfg.Solr.Timeout,
		MaxResults:   cfg.Solr.MaxResults,
		SnippetRunes: cfg.Solr.SnippetRunes,
	}, logger.Named("retrieval"))

	classifier, err := loadClassifier(cfg.Pipeline.VocabularyPath, logger)
	if err != nil {
		logger.Fatal("Failed to load classifier vocabulary", zap.Error(err))
	}

	orch := pipeline.New(st, chatClient, titleClient, searcher, translator, classifier, pipeline.Config{
		ChatOptions: llm.Options{
			Temperature:   cfg.Ollama.ChatModel.Temperature,
			RepeatPenalty: cfg.Ollama.ChatModel.RepeatPenalty,
		},
		TitleOptions:  llm.Options{Temperature: cfg.Ollama.TitleModel.Temperature},
		TitleMaxRunes: cfg.Pipeline.TitleMaxRunes,
	}, logger.Named("pipeline"))

	feedbackClient := feedback.NewClient(feedback.Config{
		BaseURL: cfg.Feedback.BaseURL,
		Timeout: cfg.Feedback.Timeout,
	}, logger.Named("feedback"))

	q := queue.New(redisClient, cfg.Redis.QueueKey, logger.Named("queue"))
	worker := queue.NewWorker(q, jobHandler(orch, feedbackClient), cfg.Worker.Concurrency, logger.Named("worker"))

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func loadClassifier(path string, logger *zap.Logger) (*classify.Classifier, error) {
	if path == "" {
		path = classify.VocabularyPath()
	}
	vocab, err := classify.LoadVocabulary(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Vocabulary file not found, using built-in defaults", zap.String("path", path))
			return classify.NewClassifier(nil, logger.Named("classify")), nil
		}
		return nil, err
	}
	return classify.NewClassifier(vocab, logger.Named("classify")), nil
}

// jobHandler routes queue jobs to the pipeline or the feedback forwarder.
func jobHandler(orch *pipeline.Orchestrator, fb *feedback.Client) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job queue.Job) error {
		switch job.Type {
		case queue.JobChat:
			return orch.Process(ctx, job.TaskID, job.OutputID)
		case queue.JobFeedback:
			var event feedback.Event
			if err := json.Unmarshal(job.Payload, &event); err != nil {
				return fmt.Errorf("decode feedback payload: %w", err)
			}
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			_, err := fb.Send(sendCtx, event)
			return err
		default:
			return fmt.Errorf("unknown job type %q", job.Type)
		}
	})
}
