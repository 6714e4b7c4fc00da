package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/config"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store"
)

type fakeConnections struct {
	conns map[rowid.RowID]model.Connection
}

func (f *fakeConnections) Insert(context.Context, model.Connection) error { return nil }
func (f *fakeConnections) Update(context.Context, model.Connection) error { return nil }
func (f *fakeConnections) Count(context.Context, store.Filter) (int, error) {
	return len(f.conns), nil
}
func (f *fakeConnections) Get(_ context.Context, id rowid.RowID) (model.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return model.Connection{}, notFoundErr{}
	}
	return c, nil
}
func (f *fakeConnections) Find(context.Context, store.Filter, store.FindOptions) ([]model.Connection, error) {
	out := make([]model.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

type fakeStore struct {
	conns *fakeConnections
}

func (s *fakeStore) Close() error                                   { return nil }
func (s *fakeStore) Rules() store.RuleCollection                     { return nil }
func (s *fakeStore) Connections() store.ConnectionCollection         { return s.conns }
func (s *fakeStore) ConnectionStreams() store.ConnectionStreamCollection { return nil }
func (s *fakeStore) PcapSessions() store.PcapSessionCollection       { return nil }
func (s *fakeStore) Settings() store.SettingsCollection              { return nil }

func newTestHandler() (*Handler, *fakeConnections) {
	conns := &fakeConnections{conns: map[rowid.RowID]model.Connection{
		1: {ID: 1, IPSrc: "10.0.0.1", ServicePort: 1337},
	}}
	h := &Handler{
		Registry: rules.NewRegistry(nil),
		Store:    &fakeStore{conns: conns},
		Config:   config.Defaults(),
	}
	return h, conns
}

func TestListRulesReturnsEmptyArrayInitially(t *testing.T) {
	h, _ := newTestHandler()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/rules/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateRuleThenGetRuleRoundTrips(t *testing.T) {
	h, _ := newTestHandler()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	body, _ := json.Marshal(model.Rule{
		Name: "flag", Enabled: true,
		Patterns: []model.Pattern{{Regex: "FLAG", Flags: model.PatternFlags{Direction: model.DirectionBoth}}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/rules/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := fmt.Sprintf("%.0f", created["id"].(float64))

	req = httptest.NewRequest(http.MethodGet, "/api/rules/"+id, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got model.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "flag", got.Name)
}

func TestCreateRuleWithEmptyNameReturnsBadRequest(t *testing.T) {
	h, _ := newTestHandler()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	body, _ := json.Marshal(model.Rule{Enabled: true, Patterns: []model.Pattern{{Regex: "x"}}})
	req := httptest.NewRequest(http.MethodPost, "/api/rules/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConnectionsAppliesFilter(t *testing.T) {
	h, _ := newTestHandler()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/connections/?filter=service_port+==+80", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetConnectionUnclassifiedErrorMapsToInternal(t *testing.T) {
	h, _ := newTestHandler()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/connections/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "a plain error with no Kind maps to internal")
}
