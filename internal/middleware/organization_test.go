package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/obcms/obcms-core/internal/auth"
	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

var (
	mohOrg = &models.Organization{ID: "11111111-1111-1111-1111-111111111111", Code: "MOH", IsActive: true,
		Capabilities: models.Capabilities{models.CapabilityCoordination: true}}
	ocmOrg = &models.Organization{ID: "99999999-9999-9999-9999-999999999999", Code: "OCM", IsActive: true, IsAggregator: true}
)

type fakeResolver struct {
	orgs map[string]*models.Organization
	err  error
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (*models.Organization, error) {
	if f.err != nil {
		return nil, f.err
	}
	org, ok := f.orgs[strings.ToUpper(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenancy.ErrUnknownOrganization, ref)
	}
	return org, nil
}

type fakeMembership struct {
	scopes map[string][]string // orgID|userID -> scopes
	err    error
}

func (f *fakeMembership) Scopes(_ context.Context, orgID, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.scopes[orgID+"|"+userID]
	if !ok {
		return nil, auth.ErrNotMember
	}
	return s, nil
}

func defaultFakes() (*fakeResolver, *fakeMembership) {
	return &fakeResolver{orgs: map[string]*models.Organization{"MOH": mohOrg, "OCM": ocmOrg}},
		&fakeMembership{scopes: map[string][]string{
			mohOrg.ID + "|u1": {"coordination:write"},
			ocmOrg.ID + "|u1": {"admin"},
		}}
}

// withUser stands in for AuthMiddleware
func withUser(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id != "" {
			c.Set(UserIDKey, id)
		}
		c.Next()
	}
}

func newOrgRouter(res OrganizationResolver, perms MembershipScopes, user string, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(withUser(user))
	g := r.Group("/orgs/:org", OrganizationMiddleware(res, perms, "X-Organization"))
	g.GET("/calendar", handler)
	h := r.Group("/admin", OrganizationMiddleware(res, perms, "X-Organization"), RequireAggregator())
	h.GET("/organizations", handler)
	return r
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// OrganizationMiddleware
// ---------------------------------------------------------------------------

func TestOrganizationMiddleware_SetsTenantForHandler(t *testing.T) {
	res, perms := defaultFakes()
	var seen *models.Organization
	var scopes []string
	r := newOrgRouter(res, perms, "u1", func(c *gin.Context) {
		seen = tenancy.Current(c.Request.Context())
		scopes, _ = scopesFrom(c)
		c.Status(http.StatusOK)
	})

	w := get(r, "/orgs/moh/calendar", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if seen == nil || seen.Code != "MOH" {
		t.Fatalf("tenant in handler = %+v, want MOH", seen)
	}
	if len(scopes) != 1 || scopes[0] != "coordination:write" {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestOrganizationMiddleware_SlotClearedAfterRequest(t *testing.T) {
	res, perms := defaultFakes()
	var slotCtx context.Context
	r := newOrgRouter(res, perms, "u1", func(c *gin.Context) {
		slotCtx = c.Request.Context()
		c.Status(http.StatusOK)
	})

	get(r, "/orgs/MOH/calendar", nil)
	if slotCtx == nil {
		t.Fatal("handler not reached")
	}
	if org := tenancy.Current(slotCtx); org != nil {
		t.Errorf("slot still holds %s after the request finished", org.Code)
	}
}

func TestOrganizationMiddleware_SlotClearedOnPanic(t *testing.T) {
	res, perms := defaultFakes()
	var slotCtx context.Context
	r := gin.New()
	r.Use(gin.Recovery(), withUser("u1"))
	r.GET("/orgs/:org/calendar", OrganizationMiddleware(res, perms, ""), func(c *gin.Context) {
		slotCtx = c.Request.Context()
		panic("handler blew up")
	})

	w := get(r, "/orgs/MOH/calendar", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if tenancy.Current(slotCtx) != nil {
		t.Error("slot not cleared after panic")
	}
}

func TestOrganizationMiddleware_ConcurrentRequestsIsolated(t *testing.T) {
	res, perms := defaultFakes()
	r := newOrgRouter(res, perms, "u1", func(c *gin.Context) {
		c.String(http.StatusOK, tenancy.Current(c.Request.Context()).Code)
	})

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 50; i++ {
		for _, code := range []string{"MOH", "OCM"} {
			wg.Add(1)
			go func(code string) {
				defer wg.Done()
				w := get(r, "/orgs/"+code+"/calendar", nil)
				if w.Body.String() != code {
					errs <- fmt.Sprintf("request for %s saw %s", code, w.Body.String())
				}
			}(code)
		}
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestOrganizationMiddleware_Errors(t *testing.T) {
	res, perms := defaultFakes()
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	tests := []struct {
		name  string
		res   OrganizationResolver
		perms MembershipScopes
		user  string
		path  string
		want  int
	}{
		{"unknown organization", res, perms, "u1", "/orgs/XYZ/calendar", http.StatusNotFound},
		{"not a member", res, perms, "stranger", "/orgs/MOH/calendar", http.StatusForbidden},
		{"no user", res, perms, "", "/orgs/MOH/calendar", http.StatusUnauthorized},
		{"resolver failure", &fakeResolver{err: errors.New("db down")}, perms, "u1", "/orgs/MOH/calendar", http.StatusInternalServerError},
		{"membership failure", res, &fakeMembership{err: errors.New("db down")}, "u1", "/orgs/MOH/calendar", http.StatusInternalServerError},
		{"no organization header", res, perms, "u1", "/admin/organizations", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newOrgRouter(tt.res, tt.perms, tt.user, ok), tt.path, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequireAggregator(t *testing.T) {
	res, perms := defaultFakes()
	perms.scopes[mohOrg.ID+"|u1"] = []string{"admin"}
	r := newOrgRouter(res, perms, "u1", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := get(r, "/admin/organizations", map[string]string{"X-Organization": "OCM"}); w.Code != http.StatusOK {
		t.Errorf("aggregator: status = %d, want 200", w.Code)
	}
	if w := get(r, "/admin/organizations", map[string]string{"X-Organization": "MOH"}); w.Code != http.StatusForbidden {
		t.Errorf("regular org: status = %d, want 403", w.Code)
	}
}
