package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/factingest/internal/config"
	"github.com/JonMunkholm/factingest/internal/core"
	"github.com/JonMunkholm/factingest/internal/dedup"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/templates"
)

type fakeIngester struct {
	ingestReq core.IngestRequest
	ingestRes *core.IngestResult
	ingestErr error

	columns map[string]struct{}
	lookup  templates.Lookup
	saved   templates.Template
}

func (f *fakeIngester) Ingest(_ context.Context, req core.IngestRequest) (*core.IngestResult, error) {
	f.ingestReq = req
	return f.ingestRes, f.ingestErr
}

func (f *fakeIngester) EnsureTable(_ context.Context, id record.Identity) (string, error) {
	return "fact_" + strings.ToLower(id.Platform) + "_" + id.Domain + "_daily", nil
}

func (f *fakeIngester) EnsureColumns(_ context.Context, table string, headers []string) ([]string, error) {
	if !strings.HasPrefix(table, "fact_") {
		return nil, core.ErrInvalidTable
	}
	return nil, nil
}

func (f *fakeIngester) GetExistingColumns(context.Context, string) (map[string]struct{}, error) {
	return f.columns, nil
}

func (f *fakeIngester) PreviewDedup(_ context.Context, _ record.Identity, _ string, rows []record.Row, _ []string) dedup.Result {
	return dedup.Result{Stats: dedup.Stats{Total: len(rows), New: len(rows)}, Fingerprints: []string{"h1"}}
}

func (f *fakeIngester) FindBestTemplate(_ context.Context, l templates.Lookup) (templates.Template, error) {
	f.lookup = l
	if l.Domain == "missing" {
		return templates.Template{}, templates.ErrNotFound
	}
	return templates.Template{ID: "t1", Platform: l.Platform, Domain: l.Domain, Version: 2}, nil
}

func (f *fakeIngester) ListTemplates(context.Context, templates.Filter) ([]templates.Template, error) {
	return nil, nil
}

func (f *fakeIngester) SaveTemplate(_ context.Context, t templates.Template) (templates.Template, error) {
	t.ID, t.Version = "new", 1
	f.saved = t
	return t, nil
}

func (f *fakeIngester) DetectHeaderChange(_ context.Context, _ string, cols []string) templates.HeaderChange {
	return templates.HeaderChange{Changed: true, CurrentColumns: cols}
}

func (f *fakeIngester) LimiterStatus() core.LimiterStatus {
	return core.LimiterStatus{Active: 1, Available: 4, MaxConcurrent: 5}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(svc Ingester, db Pinger, mutate ...func(*config.Config)) *Server {
	cfg := &config.Config{Server: config.ServerConfig{MaxBodyBytes: 1 << 20}}
	for _, m := range mutate {
		m(cfg)
	}
	return NewServer(svc, db, cfg)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeIngester{}, fakePinger{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, newTestServer(&fakeIngester{}, fakePinger{err: errors.New("down")}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	rec := do(t, newTestServer(&fakeIngester{}, nil), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"limiter":{"active":1,"available":4,"max_concurrent":5}}`, rec.Body.String())
}

func TestIngest_OK(t *testing.T) {
	svc := &fakeIngester{ingestRes: &core.IngestResult{
		IngestionID: "run-1",
		Table:       "fact_shopee_orders_daily",
		Stats:       core.IngestionStats{Total: 2, Inserted: 2},
	}}
	body := `{"identity":{"platform":"shopee","domain":"orders","granularity":"daily"},
		"headers":["Order ID","GMV"],
		"rows":[{"Order ID":"A1","GMV":1.50},{"Order ID":"A2","GMV":2}],
		"file_ref":"upload-1"}`

	rec := do(t, newTestServer(svc, nil), http.MethodPost, "/api/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)

	req := svc.ingestReq
	assert.Equal(t, "orders", req.Identity.Domain)
	require.Len(t, req.Rows, 2)
	assert.Equal(t, []string{"Order ID", "GMV"}, req.Rows[0].Keys())
	assert.Equal(t, "upload-1", req.FileRef)

	var res core.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Stats.Inserted)
}

func TestIngest_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		res      *core.IngestResult
		body     string
		wantCode int
		wantErr  string
	}{
		{"bad json", nil, nil, `{`, http.StatusBadRequest, "VAL002"},
		{"no headers", core.ErrNoHeaders, nil, `{}`, http.StatusBadRequest, "VAL001"},
		{"busy", core.ErrTooManyIngestions, nil, `{}`, http.StatusTooManyRequests, "ING001"},
		{"drift", core.ErrHeaderDrift, &core.IngestResult{HeaderChange: &templates.HeaderChange{Changed: true}}, `{}`, http.StatusConflict, "TPL001"},
		{"chunk failure", errors.New("chunk write failed (rows 0-500): boom"), &core.IngestResult{}, `{}`, http.StatusInternalServerError, "ING004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeIngester{ingestErr: tt.err, ingestRes: tt.res}
			rec := do(t, newTestServer(svc, nil), http.MethodPost, "/api/ingest", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			got := decodeError(t, rec)
			assert.Equal(t, tt.wantErr, got.Code)
			if tt.res != nil {
				assert.NotNil(t, got.Details)
			} else {
				assert.Nil(t, got.Details)
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	s := newTestServer(&fakeIngester{}, nil, func(c *config.Config) { c.Server.MaxBodyBytes = 8 })
	rec := do(t, s, http.MethodPost, "/api/ingest", `{"headers":["a","b","c"]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTablesAndColumns(t *testing.T) {
	svc := &fakeIngester{columns: map[string]struct{}{"order_id": {}, "gmv": {}}}
	s := newTestServer(svc, nil)

	rec := do(t, s, http.MethodPost, "/api/tables", `{"platform":"shopee","domain":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"table":"fact_shopee_orders_daily"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/tables/fact_shopee_orders_daily/columns", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"table":"fact_shopee_orders_daily","columns":["gmv","order_id"]}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/tables/fact_shopee_orders_daily/columns", `{"headers":["Order ID"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"table":"fact_shopee_orders_daily","added":[]}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/tables/users/columns", `{"headers":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VAL004", decodeError(t, rec).Code)
}

func TestDedupPreview(t *testing.T) {
	rec := do(t, newTestServer(&fakeIngester{}, nil), http.MethodPost, "/api/dedup/preview",
		`{"identity":{"platform":"shopee","domain":"orders"},"rows":[{"a":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stats":{"total":1,"new":1,"intra_batch_duplicates":0,"cross_corpus_duplicates":0},"fingerprints":["h1"]}`,
		rec.Body.String())
}

func TestTemplates(t *testing.T) {
	svc := &fakeIngester{}
	s := newTestServer(svc, nil)

	rec := do(t, s, http.MethodGet, "/api/templates/best?platform=shopee&domain=orders&granularity=daily&sub_domain=local", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, templates.Lookup{Platform: "shopee", Domain: "orders", Granularity: "daily", SubDomain: "local"}, svc.lookup)

	rec = do(t, s, http.MethodGet, "/api/templates/best?platform=shopee&domain=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TPL002", decodeError(t, rec).Code)

	rec = do(t, s, http.MethodGet, "/api/templates/best?platform=shopee", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/templates", `{"platform":"shopee","domain":"orders","header_columns":["Order ID"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"Order ID"}, svc.saved.HeaderColumns)

	rec = do(t, s, http.MethodPost, "/api/templates", `{"platform":"shopee"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/templates/t1/header-change", `{"columns":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var hc templates.HeaderChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hc))
	assert.True(t, hc.Changed)
	assert.Equal(t, []string{"a", "b"}, hc.CurrentColumns)

	rec = do(t, s, http.MethodPost, "/api/templates/t1/header-change", `{"columns":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(&fakeIngester{}, nil, func(c *config.Config) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	})

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
