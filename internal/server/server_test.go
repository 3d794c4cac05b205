package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/migrate"
	"flowlens/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Logf = t.Logf

	handler, err := New(Config{Store: st, Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, st
}

func testToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := get(t, srv.URL+"/v0/health", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestQueriesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := get(t, srv.URL+"/v0/queries", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListQueriesAndFlows(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	if err := st.InsertQuery(ctx, domain.Query{ID: "q-1", Name: "weekly", Status: domain.QueryCompleted}); err != nil {
		t.Fatalf("insert query: %v", err)
	}
	if _, err := st.ReplaceFlows(ctx, "q-1", []domain.Flow{
		{QueryID: "q-1", SrcIP: "10.0.0.1", DstIP: "10.0.1.1", PolicyDecision: "allowed"},
		{QueryID: "q-1", SrcIP: "10.0.0.2", DstIP: "10.0.1.1", PolicyDecision: "blocked"},
	}); err != nil {
		t.Fatalf("flows: %v", err)
	}
	token := testToken(t)

	resp := get(t, srv.URL+"/v0/queries", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listBody struct {
		Items []domain.Query `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Items) != 1 || listBody.Items[0].ID != "q-1" {
		t.Fatalf("items = %+v", listBody.Items)
	}

	resp2 := get(t, srv.URL+"/v0/queries/q-1/flows", token)
	defer resp2.Body.Close()
	var flowsBody struct {
		Items []domain.Flow `json:"items"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&flowsBody); err != nil {
		t.Fatalf("decode flows: %v", err)
	}
	if len(flowsBody.Items) != 2 {
		t.Fatalf("got %d flows, want 2", len(flowsBody.Items))
	}

	resp3 := get(t, srv.URL+"/v0/queries/q-1/stats", token)
	defer resp3.Body.Close()
	var stats domain.FlowStats
	if err := json.NewDecoder(resp3.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.ByDecision["allowed"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestGetQueryNotFoundEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := get(t, srv.URL+"/v0/queries/missing", testToken(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestListOperations(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.InsertOperation(context.Background(), domain.Operation{ID: "op-1", Kind: "traffic_analysis", Status: domain.OpRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	resp := get(t, srv.URL+"/v0/operations?kind=traffic_analysis", testToken(t))
	defer resp.Body.Close()
	var body struct {
		Items []domain.Operation `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "op-1" {
		t.Fatalf("items = %+v", body.Items)
	}
}
