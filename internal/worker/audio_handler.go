package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"audiogen/internal/events"
	"audiogen/internal/models"
	"audiogen/internal/provider"
	"audiogen/internal/storage"
)

// CompletionStore records the terminal success transition.
type CompletionStore interface {
	MarkJobCompleted(ctx context.Context, id uuid.UUID, artifactURL string) (bool, error)
}

// AudioHandler performs the long-running half of a generation job: call the
// provider, persist the artifact, mark the job completed. All of it runs
// outside any ledger lock.
type AudioHandler struct {
	format   string
	gen      provider.Generator
	uploader storage.Uploader
	store    CompletionStore
	sink     events.Sink
	log      zerolog.Logger
}

// NewAudioHandler constructs the handler.
func NewAudioHandler(format string, gen provider.Generator, uploader storage.Uploader, store CompletionStore, sink events.Sink, log zerolog.Logger) *AudioHandler {
	if format == "" {
		format = "mp3"
	}
	return &AudioHandler{format: format, gen: gen, uploader: uploader, store: store, sink: sink, log: log}
}

// Handle runs one generation attempt. Errors bubble to the processor, which
// owns retry and failure policy.
func (h *AudioHandler) Handle(ctx context.Context, job *models.GenerationJob) error {
	data, err := h.gen.Generate(ctx, provider.Request{
		Prompt:   job.Prompt,
		LengthMs: job.LengthMs,
		Format:   h.format,
	})
	if err != nil {
		return err
	}

	key := fmt.Sprintf("generations/%s/%s.%s", job.UserID, job.ID, h.format)
	artifactURL, err := h.uploader.UploadArtifact(ctx, key, data, contentTypeForFormat(h.format), map[string]string{
		"job_id":  job.ID.String(),
		"user_id": job.UserID.String(),
	})
	if err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}

	completed, err := h.store.MarkJobCompleted(ctx, job.ID, artifactURL)
	if err != nil {
		return err
	}
	if !completed {
		// A redelivered duplicate raced us into a terminal state; the
		// artifact is orphaned but no balance was touched.
		h.log.Warn().Str("job_id", job.ID.String()).Msg("job already terminal, completion skipped")
		return nil
	}

	h.log.Info().
		Str("job_id", job.ID.String()).
		Str("artifact_url", artifactURL).
		Int("bytes", len(data)).
		Msg("generation completed")
	h.sink.Emit(ctx, events.JobCompleted, map[string]any{
		"job_id":       job.ID.String(),
		"user_id":      job.UserID.String(),
		"artifact_url": artifactURL,
	})
	return nil
}

func contentTypeForFormat(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
