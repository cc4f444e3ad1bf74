package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/safego"
)

// Store persists audit entries; satisfied by repositories.AuditRepository
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type actorKey struct{}

// WithActor returns a context naming the user on whose behalf work runs
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the user set by WithActor, or ""
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// Recorder writes audit entries asynchronously so that recording never delays the request
// that caused it. Entries are persisted to the store and then shipped to external
// destinations. When the queue is full the entry is dropped and logged.
type Recorder struct {
	store   Store
	shipper Shipper
	queue   chan *LogEntry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewRecorder creates a recorder. store and shipper may be nil.
func NewRecorder(store Store, shipper Shipper, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		store:   store,
		shipper: shipper,
		queue:   make(chan *LogEntry, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background writer
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		safego.Go("audit-recorder", r.loop)
	})
}

// Stop drains the queue and waits for the writer to exit
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
}

// Record queues entry, stamping its timestamp when unset
func (r *Recorder) Record(entry *LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- entry:
	default:
		slog.Warn("audit queue full, entry dropped", "action", entry.Action, "org", entry.OrganizationID)
	}
}

// RecordScopeWidened records an aggregator read across every tenant
func (r *Recorder) RecordScopeWidened(ctx context.Context, org *models.Organization, record string) {
	r.Record(&LogEntry{
		Action:         ActionScopeWidened,
		UserID:         ActorFromContext(ctx),
		OrganizationID: org.ID,
		OrgCode:        org.Code,
		ResourceType:   record,
	})
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case entry := <-r.queue:
			r.write(entry)
		case <-r.stop:
			for {
				select {
				case entry := <-r.queue:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry *LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.store != nil {
		if err := r.store.CreateAuditLog(ctx, toModel(entry)); err != nil {
			slog.Error("failed to persist audit entry", "action", entry.Action, "error", err)
		}
	}
	if r.shipper != nil {
		if err := r.shipper.Ship(ctx, entry); err != nil {
			slog.Error("failed to ship audit entry", "action", entry.Action, "error", err)
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toModel(e *LogEntry) *models.AuditLog {
	metadata := map[string]interface{}{}
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	if e.OrgCode != "" {
		metadata["org_code"] = e.OrgCode
	}
	if e.StatusCode != 0 {
		metadata["status_code"] = e.StatusCode
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return &models.AuditLog{
		UserID:         optional(e.UserID),
		OrganizationID: optional(e.OrganizationID),
		Action:         e.Action,
		ResourceType:   optional(e.ResourceType),
		ResourceID:     optional(e.ResourceID),
		Metadata:       metadata,
		IPAddress:      optional(e.IPAddress),
		CreatedAt:      e.Timestamp,
	}
}
