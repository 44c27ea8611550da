// Package events delivers fire-and-forget notifications about user
// activity to a message broker.
//
// Producers hand events to a Dispatcher which never blocks: events are
// queued on a bounded channel and published by a single worker. When the
// queue is full the event is dropped and logged, request handling must
// never wait on the broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	Event struct {
		ID         string    `json:"eventId"`
		Type       string    `json:"eventType"`
		UserID     int64     `json:"userId"`
		Email      string    `json:"email"`
		OccurredAt time.Time `json:"occurredAt"`
	}

	// Sink publishes an encoded event on a topic.
	Sink interface {
		Publish(ctx context.Context, topic string, payload []byte) error
	}
)

const (
	DefaultTopic = "user_events"

	// TypeUserRegistered is emitted on every successful login, consumers
	// already depend on this name.
	TypeUserRegistered = "UserRegistered"
)

func UserLoggedIn(userID int64, email string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeUserRegistered,
		UserID:     userID,
		Email:      email,
		OccurredAt: time.Now().UTC(),
	}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
