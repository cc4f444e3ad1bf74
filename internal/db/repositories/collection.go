// collection.go implements Collection, the single place where tenant isolation is enforced for
// every tenant-scoped table: reads are filtered by the active organization, writes are stamped
// with it, and every committed mutation notifies the derived-view invalidation hooks.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/telemetry"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// recordPtr constrains PT to a pointer to T implementing models.TenantRecord
type recordPtr[T any] interface {
	*T
	models.TenantRecord
}

// MutationHook is called after a mutation affecting orgID has been committed
type MutationHook func(ctx context.Context, orgID string)

// WideningAuditor records aggregator reads that were not filtered by organization
type WideningAuditor interface {
	RecordScopeWidened(ctx context.Context, org *models.Organization, record string)
}

// Collection gives tenant-aware access to one table of tenant-scoped records
type Collection[T any, PT recordPtr[T]] struct {
	db      *sqlx.DB
	table   string
	record  string   // record type name used in logs, metrics and audit entries
	columns []string // every column, including id, organization_id, created_at, updated_at
	hooks   []MutationHook
	auditor WideningAuditor
	now     func() time.Time
}

// NewCollection creates a collection over table. columns must list every column the
// record type maps with db tags.
func NewCollection[T any, PT recordPtr[T]](db *sqlx.DB, table, record string, columns []string) *Collection[T, PT] {
	return &Collection[T, PT]{
		db:      db,
		table:   table,
		record:  record,
		columns: columns,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnMutate registers a hook run after every committed create, update, delete or transfer
func (c *Collection[T, PT]) OnMutate(hook MutationHook) {
	c.hooks = append(c.hooks, hook)
}

// SetAuditor sets the collaborator receiving aggregator widening events
func (c *Collection[T, PT]) SetAuditor(a WideningAuditor) {
	c.auditor = a
}

// Record returns the record type name
func (c *Collection[T, PT]) Record() string {
	return c.record
}

// Scoped returns a query restricted to the organization active in ctx.
//   - regular organization: only its rows
//   - aggregator organization: every row (logged, counted and audited)
//   - no organization: no rows; the query never reaches the database
func (c *Collection[T, PT]) Scoped(ctx context.Context) *Query[T, PT] {
	q := &Query[T, PT]{c: c}
	org := tenancy.Current(ctx)
	switch {
	case org == nil:
		q.empty = true
	case org.SeesAllTenants():
		telemetry.TenantScopeWidenedTotal.WithLabelValues(c.record).Inc()
		slog.Info("tenant scope widened for aggregator", "org", org.Code, "record", c.record, "audit", true)
		if c.auditor != nil {
			c.auditor.RecordScopeWidened(ctx, org, c.record)
		}
	default:
		q.conds = append(q.conds, "organization_id = ?")
		q.args = append(q.args, org.ID)
	}
	return q
}

// Unscoped returns a query over every organization's rows. Only administrative and
// background code operating across tenants should call it.
func (c *Collection[T, PT]) Unscoped() *Query[T, PT] {
	return &Query[T, PT]{c: c}
}

// writeOrg determines the organization a write in ctx applies to
func (c *Collection[T, PT]) writeOrg(ctx context.Context, explicit string) (string, error) {
	org := tenancy.Current(ctx)
	if org == nil {
		telemetry.TenantMissingContextTotal.Inc()
		return "", fmt.Errorf("failed to write %s: %w", c.record, tenancy.ErrMissingTenantContext)
	}
	if explicit != "" && explicit != org.ID {
		return "", fmt.Errorf("failed to write %s for organization %s from %s: %w", c.record, explicit, org.Code, ErrCrossTenantWrite)
	}
	return org.ID, nil
}

// Create inserts rec. The organization is taken from ctx when rec carries none; a
// record naming another organization than the active one is refused. With no active
// organization nothing is written and ErrMissingTenantContext is returned, even when
// the record names an organization.
func (c *Collection[T, PT]) Create(ctx context.Context, rec PT) error {
	orgID, err := c.writeOrg(ctx, rec.OrganizationRef())
	if err != nil {
		return err
	}
	rec.SetOrganizationRef(orgID)
	if rec.RecordID() == "" {
		rec.SetRecordID(uuid.NewString())
	}
	rec.Touch(c.now())

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.table, strings.Join(c.columns, ", "), ":"+strings.Join(c.columns, ", :"))
	if _, err := c.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to create %s: %w", c.record, err)
	}

	c.mutated(ctx, orgID)
	return nil
}

// Update writes every mutable column of rec. Only rows of the active organization can
// be updated; the organization itself never changes here (see Transfer).
func (c *Collection[T, PT]) Update(ctx context.Context, rec PT) error {
	if tenancy.Current(ctx) == nil {
		telemetry.TenantMissingContextTotal.Inc()
		return fmt.Errorf("failed to update %s: %w", c.record, tenancy.ErrMissingTenantContext)
	}
	orgID, err := c.writeOrg(ctx, rec.OrganizationRef())
	if err != nil {
		return err
	}
	rec.SetOrganizationRef(orgID)
	rec.Touch(c.now())

	sets := make([]string, 0, len(c.columns))
	for _, col := range c.columns {
		if col == "id" || col == "organization_id" || col == "created_at" {
			continue
		}
		sets = append(sets, col+" = :"+col)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = :id AND organization_id = :organization_id",
		c.table, strings.Join(sets, ", "))

	res, err := c.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", c.record, err)
	}
	if err := requireRow(res, c.record, rec.RecordID()); err != nil {
		return err
	}

	c.mutated(ctx, orgID)
	return nil
}

// Delete removes the record with id if it belongs to the active organization
func (c *Collection[T, PT]) Delete(ctx context.Context, id string) error {
	org := tenancy.Current(ctx)
	if org == nil {
		telemetry.TenantMissingContextTotal.Inc()
		return fmt.Errorf("failed to delete %s: %w", c.record, tenancy.ErrMissingTenantContext)
	}

	query := c.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ? AND organization_id = ?", c.table))
	res, err := c.db.ExecContext(ctx, query, id, org.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", c.record, err)
	}
	if err := requireRow(res, c.record, id); err != nil {
		return err
	}

	c.mutated(ctx, org.ID)
	return nil
}

// Transfer moves a record to another organization. It is an administrative operation and
// ignores the active organization; callers must authorise it themselves. Both the source
// and the target organization are invalidated.
func (c *Collection[T, PT]) Transfer(ctx context.Context, id, toOrgID string) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromOrgID string
	err = tx.GetContext(ctx, &fromOrgID, tx.Rebind(fmt.Sprintf("SELECT organization_id FROM %s WHERE id = ? FOR UPDATE", c.table)), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to transfer %s %s: %w", c.record, id, ErrRecordNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s for transfer: %w", c.record, err)
	}

	var active bool
	err = tx.GetContext(ctx, &active, tx.Rebind("SELECT is_active FROM organizations WHERE id = ?"), toOrgID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("failed to transfer %s %s to %s: %w", c.record, id, toOrgID, ErrInvalidTransferTarget)
	}
	if err != nil {
		return fmt.Errorf("failed to load transfer target: %w", err)
	}

	if fromOrgID == toOrgID {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf("UPDATE %s SET organization_id = ?, updated_at = ? WHERE id = ?", c.table)),
		toOrgID, c.now(), id)
	if err != nil {
		return fmt.Errorf("failed to transfer %s: %w", c.record, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	slog.Info("record transferred between organizations",
		"record", c.record, "id", id, "from", fromOrgID, "to", toOrgID, "audit", true)
	c.mutated(ctx, fromOrgID)
	c.mutated(ctx, toOrgID)
	return nil
}

func (c *Collection[T, PT]) mutated(ctx context.Context, orgID string) {
	for _, hook := range c.hooks {
		hook(ctx, orgID)
	}
}

func (c *Collection[T, PT]) hasColumn(col string) bool {
	return slices.Contains(c.columns, col)
}

func requireRow(res sql.Result, record, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", record, id, ErrRecordNotFound)
	}
	return nil
}
