// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams lesson lifecycle transitions so downstream consumers (search
// indexing, creator notifications) learn about published and errored videos.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher interface defines the event publishing operations required by
// the media service.
type Publisher interface {
	// PublishTransition publishes an applied lesson lifecycle transition.
	PublishTransition(ctx context.Context, entry model.TransitionEntry) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. It allows the service to function without event streaming.
type noop struct{}

// Close implements Publisher
func (n *noop) Close() error { return nil }

// PublishTransition implements Publisher
func (n *noop) PublishTransition(ctx context.Context, entry model.TransitionEntry) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication fields
	dedup map[string]time.Time // Map of lesson+transition keys to last publish time
	mutex sync.RWMutex
}

// NewPublisher creates a publisher for the given NATS URL. An empty URL or a
// failed connection yields a no-op publisher so event streaming stays
// best-effort.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStream initializes the lifecycle stream used for lesson media events.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "MEDIA_LIFECYCLE",
		Subjects:  []string{"media.lesson.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create MEDIA_LIFECYCLE stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if an event was already published within the 2-minute
// window. Webhook and poll paths can legitimately apply the same logical
// transition; downstream consumers only need it once.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish and prunes stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}

	p.dedup[key] = time.Now()
}

// PublishTransition publishes a lesson lifecycle transition to the
// MEDIA_LIFECYCLE stream, keyed by the destination state.
func (p *natsPub) PublishTransition(ctx context.Context, entry model.TransitionEntry) error {
	dedupKey := entry.LessonID + ":" + string(entry.To)
	if p.shouldDedup(dedupKey) {
		return nil
	}

	subject := fmt.Sprintf("media.lesson.%s", entry.To)

	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       entry,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(dedupKey)
	return nil
}
