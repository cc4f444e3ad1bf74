package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/obcms/obcms-core/internal/db/models"
)

var roleTemplateCols = []string{"id", "name", "display_name", "description", "scopes", "is_system", "created_at", "updated_at"}

func newRBACRepo(t *testing.T) (*RBACRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRBACRepository(sqlx.NewDb(db, "postgres")), mock
}

func roleTemplateRow(id uuid.UUID, name string, scopes string) *sqlmock.Rows {
	return sqlmock.NewRows(roleTemplateCols).
		AddRow(id.String(), name, name, nil, []byte(scopes), true, time.Now(), time.Now())
}

// ---------------------------------------------------------------------------
// Role templates
// ---------------------------------------------------------------------------

func TestListRoleTemplates(t *testing.T) {
	repo, mock := newRBACRepo(t)
	rows := sqlmock.NewRows(roleTemplateCols).
		AddRow(uuid.New().String(), "admin", "Administrator", nil, []byte(`["admin"]`), true, time.Now(), time.Now()).
		AddRow(uuid.New().String(), "viewer", "Viewer", "Read-only", []byte(`["coordination:read"]`), true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM role_templates ORDER BY name").WillReturnRows(rows)

	templates, err := repo.ListRoleTemplates(context.Background())
	if err != nil {
		t.Fatalf("ListRoleTemplates: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("len = %d, want 2", len(templates))
	}
	if templates[1].Description == nil || *templates[1].Description != "Read-only" {
		t.Errorf("description not scanned: %+v", templates[1])
	}
	if len(templates[0].Scopes) != 1 || templates[0].Scopes[0] != "admin" {
		t.Errorf("scopes = %v", templates[0].Scopes)
	}
}

func TestListRoleTemplates_DBError(t *testing.T) {
	repo, mock := newRBACRepo(t)
	mock.ExpectQuery("FROM role_templates").WillReturnError(errors.New("boom"))

	if _, err := repo.ListRoleTemplates(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetRoleTemplate(t *testing.T) {
	repo, mock := newRBACRepo(t)
	id := uuid.New()
	mock.ExpectQuery("FROM role_templates WHERE id = \\$1").
		WithArgs(id.String()).
		WillReturnRows(roleTemplateRow(id, "encoder", `["coordination:write"]`))

	tmpl, err := repo.GetRoleTemplate(context.Background(), id)
	if err != nil || tmpl == nil {
		t.Fatalf("GetRoleTemplate() = %v, %v", tmpl, err)
	}
	if tmpl.ID != id || tmpl.Name != "encoder" {
		t.Errorf("unexpected template %+v", tmpl)
	}
}

func TestGetRoleTemplate_NotFound(t *testing.T) {
	repo, mock := newRBACRepo(t)
	mock.ExpectQuery("FROM role_templates WHERE id").
		WillReturnRows(sqlmock.NewRows(roleTemplateCols))

	tmpl, err := repo.GetRoleTemplate(context.Background(), uuid.New())
	if err != nil || tmpl != nil {
		t.Errorf("GetRoleTemplate(missing) = %v, %v", tmpl, err)
	}
}

func TestGetRoleTemplateByName(t *testing.T) {
	repo, mock := newRBACRepo(t)
	id := uuid.New()
	mock.ExpectQuery("FROM role_templates WHERE name = \\$1").
		WithArgs("viewer").
		WillReturnRows(roleTemplateRow(id, "viewer", `["communities:read"]`))

	tmpl, err := repo.GetRoleTemplateByName(context.Background(), "viewer")
	if err != nil || tmpl == nil || tmpl.Name != "viewer" {
		t.Fatalf("GetRoleTemplateByName() = %v, %v", tmpl, err)
	}
}

func TestGetRoleTemplate_BadScopesJSON(t *testing.T) {
	repo, mock := newRBACRepo(t)
	id := uuid.New()
	mock.ExpectQuery("FROM role_templates").
		WillReturnRows(roleTemplateRow(id, "broken", `not-json`))

	if _, err := repo.GetRoleTemplate(context.Background(), id); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCreateRoleTemplate(t *testing.T) {
	repo, mock := newRBACRepo(t)
	mock.ExpectExec("INSERT INTO role_templates").
		WithArgs(sqlmock.AnyArg(), "budget-officer", "Budget Officer", nil, []byte(`["budget:write"]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tmpl := &models.RoleTemplate{Name: "budget-officer", DisplayName: "Budget Officer", Scopes: []string{"budget:write"}}
	if err := repo.CreateRoleTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("CreateRoleTemplate: %v", err)
	}
	if tmpl.ID == uuid.Nil {
		t.Error("CreateRoleTemplate should assign an id")
	}
}

func TestDeleteRoleTemplate_OnlyCustom(t *testing.T) {
	repo, mock := newRBACRepo(t)
	id := uuid.New()
	mock.ExpectExec("DELETE FROM role_templates WHERE id = \\$1 AND is_system = false").
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeleteRoleTemplate(context.Background(), id); err != nil {
		t.Fatalf("DeleteRoleTemplate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateRoleTemplate(t *testing.T) {
	repo, mock := newRBACRepo(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE role_templates SET display_name").
		WithArgs(id.String(), "Field Encoder", nil, []byte(`["communities:write"]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tmpl := &models.RoleTemplate{ID: id, DisplayName: "Field Encoder", Scopes: []string{"communities:write"}}
	if err := repo.UpdateRoleTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("UpdateRoleTemplate: %v", err)
	}
	if tmpl.UpdatedAt.IsZero() {
		t.Error("UpdateRoleTemplate should stamp updated_at")
	}
}

func TestUpdateRoleTemplate_SystemOrMissing(t *testing.T) {
	repo, mock := newRBACRepo(t)
	mock.ExpectExec("UPDATE role_templates").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateRoleTemplate(context.Background(), &models.RoleTemplate{ID: uuid.New(), Scopes: []string{"admin"}})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}
