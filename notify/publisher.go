package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
)

// Publisher fans events out over valkey pub/sub so agent consoles on any
// instance see them. All publishes are fire-and-forget.
type Publisher struct {
	client *valkey.Client
}

func NewPublisher(client *valkey.Client) *Publisher {
	return &Publisher{client: client}
}

type envelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Publish emits one event into the room's channel. Failures are logged and
// swallowed: notifications never gate core operations.
func (p *Publisher) Publish(ctx context.Context, room, event string, payload map[string]any) {
	body, err := json.Marshal(envelope{Event: event, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		logrus.Warnf("[NOTIFY] marshal event %s: %v", event, err)
		return
	}
	if err := p.client.Publish(ctx, p.client.Key("events", room), string(body)); err != nil {
		logrus.Warnf("[NOTIFY] publish %s to %s: %v", event, room, err)
	}
}

// NopNotifier discards events; used in tests and minimal deployments.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, string, map[string]any) {}
