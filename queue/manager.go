package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// Notifier announces queue events to interested listeners (agent consoles).
// Best-effort: a notify failure never fails the enqueue.
type Notifier interface {
	Publish(ctx context.Context, room, event string, payload map[string]any)
}

// Manager keeps per-department FIFO queues of conversations waiting for a
// human. Conversations without a department land in the org's unrouted queue.
type Manager struct {
	client   *valkey.Client
	notifier Notifier
}

func NewManager(client *valkey.Client, notifier Notifier) *Manager {
	return &Manager{client: client, notifier: notifier}
}

func (m *Manager) keyFor(orgID uuid.UUID, deptID *uuid.UUID) string {
	if deptID == nil {
		return m.client.Key("queue", "unrouted", orgID.String())
	}
	return m.client.Key("queue", "department", orgID.String(), deptID.String())
}

// Enqueue appends the conversation; priority entries jump the line.
func (m *Manager) Enqueue(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, deptID *uuid.UUID, priority bool) error {
	key := m.keyFor(tc.OrganizationID, deptID)

	var err error
	if priority {
		err = m.client.LPush(ctx, key, convID.String())
	} else {
		err = m.client.RPush(ctx, key, convID.String())
	}
	if err != nil {
		return pkgError.TransientError("queue enqueue failed: " + err.Error())
	}

	if m.notifier != nil {
		room := "org:" + tc.OrganizationID.String()
		m.notifier.Publish(ctx, room, "queue.conversation_added", map[string]any{
			"conversation_id": convID.String(),
			"department_id":   deptIDString(deptID),
			"priority":        priority,
		})
	}
	return nil
}

// Dequeue pops the next waiting conversation, or ok=false on an empty queue.
func (m *Manager) Dequeue(ctx context.Context, tc tenancy.TenantCtx, deptID *uuid.UUID) (uuid.UUID, bool, error) {
	v, ok, err := m.client.LPop(ctx, m.keyFor(tc.OrganizationID, deptID))
	if err != nil {
		return uuid.Nil, false, pkgError.TransientError("queue dequeue failed: " + err.Error())
	}
	if !ok {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		logrus.Warnf("[QUEUE] dropping malformed queue entry %q", v)
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Remove deletes a conversation from a queue (picked up out of band, or
// closed by the watchdog while waiting).
func (m *Manager) Remove(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, deptID *uuid.UUID) error {
	if err := m.client.LRem(ctx, m.keyFor(tc.OrganizationID, deptID), 0, convID.String()); err != nil {
		return pkgError.TransientError("queue remove failed: " + err.Error())
	}
	return nil
}

// Length reports how many conversations are waiting.
func (m *Manager) Length(ctx context.Context, tc tenancy.TenantCtx, deptID *uuid.UUID) (int64, error) {
	n, err := m.client.LLen(ctx, m.keyFor(tc.OrganizationID, deptID))
	if err != nil {
		return 0, pkgError.TransientError("queue length failed: " + err.Error())
	}
	return n, nil
}

// Waiting lists the queued conversation IDs in order.
func (m *Manager) Waiting(ctx context.Context, tc tenancy.TenantCtx, deptID *uuid.UUID) ([]uuid.UUID, error) {
	values, err := m.client.LRange(ctx, m.keyFor(tc.OrganizationID, deptID), 0, -1)
	if err != nil {
		return nil, pkgError.TransientError("queue read failed: " + err.Error())
	}
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		if id, err := uuid.Parse(v); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func deptIDString(deptID *uuid.UUID) string {
	if deptID == nil {
		return ""
	}
	return deptID.String()
}
