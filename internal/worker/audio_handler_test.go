package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiogen/internal/events"
	"audiogen/internal/models"
	"audiogen/internal/provider"
)

type stubGenerator struct {
	data []byte
	err  error
	got  provider.Request
}

func (s *stubGenerator) Generate(_ context.Context, req provider.Request) ([]byte, error) {
	s.got = req
	return s.data, s.err
}

type stubUploader struct {
	err  error
	key  string
	body []byte
	meta map[string]string
}

func (s *stubUploader) UploadArtifact(_ context.Context, key string, body []byte, _ string, metadata map[string]string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.key = key
	s.body = body
	s.meta = metadata
	return "s3://artifacts/" + key, nil
}

func (s *stubUploader) DeleteArtifact(_ context.Context, _ string) error { return nil }

type stubCompletions struct {
	completed   bool
	alreadyDone bool
	url         string
}

func (s *stubCompletions) MarkJobCompleted(_ context.Context, _ uuid.UUID, artifactURL string) (bool, error) {
	if s.alreadyDone {
		return false, nil
	}
	s.completed = true
	s.url = artifactURL
	return true, nil
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) Emit(_ context.Context, event string, _ map[string]any) {
	r.events = append(r.events, event)
}

func testJob() *models.GenerationJob {
	return &models.GenerationJob{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Prompt:   "lofi rain",
		LengthMs: 150000,
		Status:   models.JobStatusGenerating,
	}
}

func TestAudioHandlerHandle(t *testing.T) {
	gen := &stubGenerator{data: []byte("mp3-bytes")}
	up := &stubUploader{}
	completions := &stubCompletions{}
	sink := &recordingSink{}
	h := NewAudioHandler("mp3", gen, up, completions, sink, zerolog.Nop())
	job := testJob()

	require.NoError(t, h.Handle(context.Background(), job))

	assert.Equal(t, "lofi rain", gen.got.Prompt)
	assert.Equal(t, "mp3", gen.got.Format)

	assert.Equal(t, fmt.Sprintf("generations/%s/%s.mp3", job.UserID, job.ID), up.key)
	assert.Equal(t, []byte("mp3-bytes"), up.body)
	assert.Equal(t, job.ID.String(), up.meta["job_id"])

	assert.True(t, completions.completed)
	assert.Equal(t, "s3://artifacts/"+up.key, completions.url)
	assert.Equal(t, []string{events.JobCompleted}, sink.events)
}

func TestAudioHandlerGeneratorError(t *testing.T) {
	genErr := &provider.Error{Transient: true, Message: "upstream overloaded"}
	gen := &stubGenerator{err: genErr}
	completions := &stubCompletions{}
	h := NewAudioHandler("mp3", gen, &stubUploader{}, completions, &recordingSink{}, zerolog.Nop())

	err := h.Handle(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.False(t, completions.completed, "failed attempt must not complete the job")
}

func TestAudioHandlerUploadError(t *testing.T) {
	gen := &stubGenerator{data: []byte("mp3-bytes")}
	up := &stubUploader{err: errors.New("bucket unavailable")}
	completions := &stubCompletions{}
	h := NewAudioHandler("mp3", gen, up, completions, &recordingSink{}, zerolog.Nop())

	err := h.Handle(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist artifact")
	assert.False(t, completions.completed)
}

func TestAudioHandlerTerminalRace(t *testing.T) {
	gen := &stubGenerator{data: []byte("mp3-bytes")}
	completions := &stubCompletions{alreadyDone: true}
	sink := &recordingSink{}
	h := NewAudioHandler("mp3", gen, &stubUploader{}, completions, sink, zerolog.Nop())

	// A redelivered duplicate losing the completion race is not an error.
	require.NoError(t, h.Handle(context.Background(), testJob()))
	assert.Empty(t, sink.events)
}

func TestContentTypeForFormat(t *testing.T) {
	assert.Equal(t, "audio/wav", contentTypeForFormat("wav"))
	assert.Equal(t, "audio/ogg", contentTypeForFormat("ogg"))
	assert.Equal(t, "audio/flac", contentTypeForFormat("flac"))
	assert.Equal(t, "audio/mpeg", contentTypeForFormat("mp3"))
	assert.Equal(t, "audio/mpeg", contentTypeForFormat(""))
}
