// Package server assembles the HTTP surface: echo, middleware, and the
// versioned API routes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/internal/profile"
	"github.com/hrygo/contextgate/plugin/ai"
	aicontext "github.com/hrygo/contextgate/plugin/ai/context"
	"github.com/hrygo/contextgate/plugin/ai/token"
	"github.com/hrygo/contextgate/internal/observability"
	"github.com/hrygo/contextgate/server/middleware"
	apiv1 "github.com/hrygo/contextgate/server/router/api/v1"
	"github.com/hrygo/contextgate/server/retrieval"
	"github.com/hrygo/contextgate/server/runner/embedding"
	"github.com/hrygo/contextgate/store"
)

// Server is the context gateway HTTP server.
type Server struct {
	profile *profile.Profile
	store   *store.Store
	echo    *echo.Echo

	embeddingRunner *embedding.Runner
}

// NewServer wires the store, AI services, builder, and routes together.
// AI services are optional: without an API key the server still runs, with
// heuristic token estimation and recency-only retrieval.
func NewServer(ctx context.Context, prof *profile.Profile, st *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(
		echomw.Recover(),
		echomw.RequestID(),
		echomw.CORS(),
		observability.RequestLogger(),
	)

	s := &Server{
		profile: prof,
		store:   st,
		echo:    e,
	}

	estimator := token.NewEstimator(nil)

	var embedder *ai.EmbeddingService
	var llm *ai.LLMService
	if prof.IsAIEnabled() {
		aiConfig := ai.NewConfigFromProfile(prof)
		if err := aiConfig.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid AI configuration")
		}
		embedder = ai.NewEmbeddingService(aiConfig.Embedding)
		llm = ai.NewLLMService(aiConfig.LLM)
		slog.Info("AI services enabled",
			"embedding_model", aiConfig.Embedding.Model,
			"llm_model", aiConfig.LLM.Model)
	} else {
		slog.Info("AI services disabled, running with heuristic estimation and recency retrieval")
	}

	builderConfig := aicontext.Config{
		Strategy:               aicontext.Strategy(prof.ContextStrategy),
		MaxPromptTokens:        prof.MaxPromptTokens,
		RecentMaxMessages:      prof.RecentMaxMessages,
		SummarizationThreshold: prof.SummarizationThreshold,
		SpanBudgetRatio:        prof.SpanBudgetRatio,
	}
	builder := aicontext.NewService(builderConfig, st, estimator)
	if embedder != nil {
		builder.WithRetriever(retrieval.NewRetriever(st, embedder))
	} else {
		builder.WithRetriever(retrieval.NewRetriever(st, nil))
	}
	if llm != nil {
		builder.WithSummarizer(aicontext.NewSummarizer(llm, st, estimator))
	}

	var enqueuer apiv1.EmbeddingEnqueuer
	if embedder != nil {
		s.embeddingRunner = embedding.NewRunner(st, embedder)
		enqueuer = s.embeddingRunner
	}

	chatService := apiv1.NewChatService(st, builder, estimator, enqueuer)
	limiter := middleware.NewRateLimiter(10, 20)
	chatService.RegisterRoutes(e.Group("/api/v1", limiter.Middleware()))

	e.GET("/healthz", s.healthzHandler)

	return s, nil
}

// Start runs the HTTP server and background runners until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.embeddingRunner != nil {
		go s.embeddingRunner.Run(ctx)
	}

	address := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server started", "address", address, "profile", s.profile.String())
	if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "failed to start server")
	}
	return nil
}

// Shutdown stops the HTTP server gracefully and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shut down")
}

func (s *Server) healthzHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.profile.Version,
	})
}
