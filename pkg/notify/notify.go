// Package notify delivers out-of-band notices produced by membership and
// billing operations: plan restoration after a member leaves, over-capacity
// warnings when a scheduled seat decrease lands below current usage, and
// automatic downgrade confirmations.
//
// Delivery is best effort. A failed publish is logged by the caller and never
// rolls back the operation that produced the notice.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/savistas/orgseats/pkg/observability"
)

// Kind identifies the notice type.
type Kind string

const (
	// KindPlanRestoration tells a removed member to restore the individual
	// plan they held before joining.
	KindPlanRestoration Kind = "membership.plan_restoration"
	// KindOverCapacity tells the owner that more members are active than the
	// seat count now allows. New admissions are blocked until resolved.
	KindOverCapacity Kind = "seats.over_capacity"
	// KindDowngradeApplied tells the owner the paid seat count was lowered.
	KindDowngradeApplied Kind = "seats.downgrade_applied"
)

// DefaultChannel is the Redis pub/sub channel notices are published to.
const DefaultChannel = "orgseats:notices"

// Notice is a single message for one recipient.
type Notice struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	OrganizationID int64                  `json:"organization_id"`
	RecipientID    int64                  `json:"recipient_id"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NewNotice builds a notice with a fresh id and timestamp.
func NewNotice(kind Kind, orgID, recipientID int64, message string, data map[string]interface{}) *Notice {
	return &Notice{
		ID:             uuid.NewString(),
		Kind:           kind,
		OrganizationID: orgID,
		RecipientID:    recipientID,
		Message:        message,
		Data:           data,
		CreatedAt:      time.Now().UTC(),
	}
}

// Publisher delivers notices.
type Publisher interface {
	Publish(ctx context.Context, notice *Notice) error
}

// LogPublisher writes notices to the structured log. It is the fallback when
// no Redis is configured.
type LogPublisher struct {
	logger *observability.Logger
}

func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, notice *Notice) error {
	p.logger.WithFields(map[string]interface{}{
		"notice_id":       notice.ID,
		"kind":            string(notice.Kind),
		"organization_id": notice.OrganizationID,
		"recipient_id":    notice.RecipientID,
	}).Info(notice.Message)
	return nil
}

// RedisPublisher publishes JSON-encoded notices on a Redis channel so any
// number of delivery workers (email, in-app) can subscribe.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, notice *Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notice %s: %w", notice.ID, err)
	}
	return nil
}

// Channel returns the channel notices are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, notice *Notice) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Publish(context.Context, *Notice) error { return nil }
