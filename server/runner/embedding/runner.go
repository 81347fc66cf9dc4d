// Package embedding back-fills message embedding vectors in the background.
// The request path enqueues message ids fire-and-forget; a periodic sweep
// catches anything the queue dropped or that predates a restart.
package embedding

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hrygo/contextgate/store"
)

const (
	queueCapacity = 256
	sweepInterval = 2 * time.Minute
	batchSize     = 8
	// sweepFetchLimit fetches more than one batch per sweep so a backlog
	// drains in few cycles.
	sweepFetchLimit = batchSize * 20
	maxConcurrent   = 3
	// requestsPerSecond bounds calls to the embedding provider.
	requestsPerSecond = 5
)

// MessageStore is the subset of the store the runner needs.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	FindMessagesWithoutEmbedding(ctx context.Context, limit int) ([]*store.Message, error)
	UpdateMessageEmbedding(ctx context.Context, id string, embedding []float32) error
}

// Embedder generates embedding vectors in batch.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Runner generates embeddings for messages that lack them.
type Runner struct {
	store    MessageStore
	embedder Embedder
	queue    chan string
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	interval time.Duration
}

// NewRunner creates an embedding backfill runner.
func NewRunner(st MessageStore, embedder Embedder) *Runner {
	return &Runner{
		store:    st,
		embedder: embedder,
		queue:    make(chan string, queueCapacity),
		sem:      semaphore.NewWeighted(maxConcurrent),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		interval: sweepInterval,
	}
}

// Enqueue schedules embedding generation for one message. It never blocks:
// when the queue is full the id is dropped and the periodic sweep picks the
// message up later.
func (r *Runner) Enqueue(messageID string) {
	select {
	case r.queue <- messageID:
	default:
		slog.Debug("embedding queue full, deferring to sweep", "message_id", messageID)
	}
}

// Run processes the queue and the periodic sweep until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case id := <-r.queue:
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(messageID string) {
				defer r.sem.Release(1)
				r.processOne(ctx, messageID)
			}(id)
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			slog.Info("embedding runner stopped")
			return
		}
	}
}

// RunOnce performs a single sweep, for manual trigger and tests.
func (r *Runner) RunOnce(ctx context.Context) {
	r.sweep(ctx)
}

// processOne embeds a single enqueued message. A missing message is a
// no-op: the row may have been deleted since enqueueing.
func (r *Runner) processOne(ctx context.Context, messageID string) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		slog.Warn("failed to load message for embedding", "message_id", messageID, "error", err)
		return
	}
	if msg == nil || len(msg.Embedding) > 0 {
		return
	}
	r.embedBatch(ctx, []*store.Message{msg})
}

// sweep embeds all messages still missing vectors, in small batches.
func (r *Runner) sweep(ctx context.Context) {
	msgs, err := r.store.FindMessagesWithoutEmbedding(ctx, sweepFetchLimit)
	if err != nil {
		slog.Error("failed to find messages without embedding", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	slog.Info("processing messages for embedding", "count", len(msgs))
	for i := 0; i < len(msgs); i += batchSize {
		select {
		case <-ctx.Done():
			slog.Info("embedding sweep cancelled", "processed", i, "total", len(msgs))
			return
		default:
		}

		end := i + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		r.embedBatch(ctx, msgs[i:end])
	}
}

// embedBatch generates and stores vectors for one batch. Failures are
// logged only; the sweep retries on its next cycle.
func (r *Runner) embedBatch(ctx context.Context, msgs []*store.Message) {
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}

	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Error("failed to generate embeddings", "count", len(msgs), "error", err)
		return
	}
	if len(vectors) != len(msgs) {
		slog.Error("embedding batch size mismatch", "want", len(msgs), "got", len(vectors))
		return
	}

	for i, m := range msgs {
		if err := r.store.UpdateMessageEmbedding(ctx, m.ID, vectors[i]); err != nil {
			slog.Error("failed to store embedding", "message_id", m.ID, "error", err)
		}
	}
}
