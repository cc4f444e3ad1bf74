package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obcms/obcms-core/internal/db/models"
)

type memStore struct {
	mu   sync.Mutex
	logs []*models.AuditLog
	err  error
}

func (m *memStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	return nil
}

type memShipper struct {
	mu      sync.Mutex
	entries []*LogEntry
}

func (m *memShipper) Ship(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memShipper) Close() error { return nil }

func TestRecorder_PersistsAndShipsOnStop(t *testing.T) {
	store := &memStore{}
	shipper := &memShipper{}
	r := NewRecorder(store, shipper, 16)
	r.Start()

	ocm := &models.Organization{ID: "org-ocm", Code: "OCM", IsActive: true, IsAggregator: true}
	ctx := WithActor(context.Background(), "analyst-1")
	r.RecordScopeWidened(ctx, ocm, "coordination_event")
	r.Record(&LogEntry{Action: "event.create", OrganizationID: "org-moh", StatusCode: 201})
	r.Stop()

	require.Len(t, store.logs, 2)
	widened := store.logs[0]
	assert.Equal(t, ActionScopeWidened, widened.Action)
	require.NotNil(t, widened.UserID)
	assert.Equal(t, "analyst-1", *widened.UserID)
	require.NotNil(t, widened.OrganizationID)
	assert.Equal(t, "org-ocm", *widened.OrganizationID)
	assert.Equal(t, "OCM", widened.Metadata["org_code"])
	require.NotNil(t, widened.ResourceType)
	assert.Equal(t, "coordination_event", *widened.ResourceType)

	create := store.logs[1]
	assert.Nil(t, create.UserID)
	assert.Equal(t, 201, create.Metadata["status_code"])

	assert.Len(t, shipper.entries, 2)
	assert.False(t, shipper.entries[0].Timestamp.IsZero())
}

func TestRecorder_StoreFailureStillShips(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	shipper := &memShipper{}
	r := NewRecorder(store, shipper, 4)
	r.Start()
	r.Record(&LogEntry{Action: "event.delete"})
	r.Stop()

	assert.Len(t, shipper.entries, 1)
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil, 1)

	// Not started: the second entry cannot be queued.
	r.Record(&LogEntry{Action: "first"})
	r.Record(&LogEntry{Action: "second"})

	r.Start()
	r.Stop()
	require.Len(t, store.logs, 1)
	assert.Equal(t, "first", store.logs[0].Action)
}

func TestRecorder_StopWithoutStart(t *testing.T) {
	r := NewRecorder(nil, nil, 0)
	r.Stop()
	r.Stop()
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "", ActorFromContext(context.Background()))
	assert.Equal(t, "u-1", ActorFromContext(WithActor(context.Background(), "u-1")))
}
