package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flowlens/internal/async"
	"flowlens/internal/backoff"
	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/migrate"
	"flowlens/internal/pce"
	"flowlens/internal/store"
)

// stubConsole scripts a policy console: per-query status sequences (the
// last entry repeats), optional rule-analysis progress after the trigger,
// and canned download payloads.
type stubConsole struct {
	mu            sync.Mutex
	nextID        int
	statuses      []string
	rulesStatuses []string
	polls         map[string]int
	rulesPolls    map[string]int
	triggered     map[string]bool
	triggerCode   int
	flows         []pce.FlowRecord
	enriched      []pce.FlowRecord
}

func newStubConsole(statuses ...string) *stubConsole {
	return &stubConsole{
		statuses:    statuses,
		polls:       map[string]int{},
		rulesPolls:  map[string]int{},
		triggered:   map[string]bool{},
		triggerCode: http.StatusAccepted,
	}
}

func pick(seq []string, i int) string {
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i]
}

func (s *stubConsole) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		path := strings.TrimPrefix(r.URL.Path, "/api/v2/orgs/1/")
		switch {
		case r.Method == http.MethodPost && path == "traffic_flows/async_queries":
			s.nextID++
			href := fmt.Sprintf("/orgs/1/traffic_flows/async_queries/q-%d", s.nextID)
			json.NewEncoder(w).Encode(map[string]string{"href": href})
		case r.Method == http.MethodPut && strings.HasSuffix(path, "/update_rules"):
			id := strings.TrimSuffix(strings.TrimPrefix(path, "traffic_flows/async_queries/"), "/update_rules")
			if s.triggerCode >= 300 {
				http.Error(w, `{"error":"rule analysis unavailable"}`, s.triggerCode)
				return
			}
			s.triggered[id] = true
			w.WriteHeader(s.triggerCode)
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/download"):
			id := strings.TrimSuffix(strings.TrimPrefix(path, "traffic_flows/async_queries/"), "/download")
			flows := s.flows
			if s.triggered[id] && len(s.enriched) > 0 {
				flows = s.enriched
			}
			json.NewEncoder(w).Encode(flows)
		case r.Method == http.MethodGet && strings.HasPrefix(path, "traffic_flows/async_queries/"):
			id := strings.TrimPrefix(path, "traffic_flows/async_queries/")
			resp := map[string]any{"id": id, "status": pick(s.statuses, s.polls[id])}
			s.polls[id]++
			if s.triggered[id] && len(s.rulesStatuses) > 0 {
				resp["rules"] = map[string]string{"status": pick(s.rulesStatuses, s.rulesPolls[id])}
				s.rulesPolls[id]++
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	})
}

func sampleFlows() []pce.FlowRecord {
	port, proto, conns := 443, 6, 12
	return []pce.FlowRecord{
		{
			Src:            pce.FlowEndpoint{IP: "10.0.0.1"},
			Dst:            pce.FlowEndpoint{IP: "10.0.1.1", Workload: &pce.WorkloadRef{Name: "web-1"}},
			Service:        &pce.ServiceInfo{Port: &port, Proto: &proto},
			PolicyDecision: "allowed",
			NumConnections: &conns,
		},
		{
			Src:            pce.FlowEndpoint{IP: "10.0.0.2"},
			Dst:            pce.FlowEndpoint{IP: "10.0.1.1"},
			PolicyDecision: "blocked",
		},
	}
}

func enrichedFlows() []pce.FlowRecord {
	flows := sampleFlows()
	flows[0].Rules = &pce.FlowRules{Matched: []pce.RuleRef{{Href: "/sec_policy/rules/1", Name: "allow-web"}}}
	return flows
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestAnalyzer(t *testing.T, baseURL string) *Analyzer {
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
	st.Retry = backoff.Policy{MaxRetries: 3, Base: time.Millisecond}
	st.BatchPause = time.Millisecond
	st.Logf = t.Logf
	return &Analyzer{
		Client:       pce.New(baseURL, "1"),
		Store:        st,
		MaxAttempts:  10,
		PersistRetry: backoff.Policy{MaxRetries: 3, Base: time.Millisecond},
		Logf:         t.Logf,
		Sleep:        noSleep,
	}
}

func TestRunStoresFlowsAndCompletes(t *testing.T) {
	console := newStubConsole("created", "queued", "running", "completed")
	console.flows = sampleFlows()
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	res, err := a.Run(context.Background(), "weekly", DefaultQuery("weekly", 7, 100, time.Now()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.QueryID != "q-1" {
		t.Fatalf("query id = %q", res.QueryID)
	}
	if res.Stored != 2 || res.FlowCount != 2 {
		t.Fatalf("stored=%d count=%d, want 2/2", res.Stored, res.FlowCount)
	}

	ctx := context.Background()
	q, err := a.Store.GetQuery(ctx, "q-1")
	if err != nil {
		t.Fatalf("get query: %v", err)
	}
	if q.Status != domain.QueryCompleted || q.CompletedAt == nil {
		t.Fatalf("query = %+v", q)
	}
	op, err := a.Store.GetOperation(ctx, "q-1")
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if op.Status != domain.OpCompleted {
		t.Fatalf("operation status = %q", op.Status)
	}
	flows, err := a.Store.ListFlows(ctx, "q-1")
	if err != nil {
		t.Fatalf("list flows: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("got %d flows, want 2", len(flows))
	}
	if flows[0].DstWorkload == nil || *flows[0].DstWorkload != "web-1" {
		t.Fatalf("dst workload = %v", flows[0].DstWorkload)
	}

	// No placeholder rows may survive the rekey.
	queries, err := a.Store.ListQueries(ctx, "")
	if err != nil {
		t.Fatalf("list queries: %v", err)
	}
	for _, item := range queries {
		if strings.HasPrefix(item.ID, "pending-") {
			t.Fatalf("placeholder row left behind: %s", item.ID)
		}
	}
}

func TestRunFailsWhenQueryFails(t *testing.T) {
	console := newStubConsole("running", "failed")
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	_, err := a.Run(context.Background(), "doomed", DefaultQuery("doomed", 7, 100, time.Now()))
	if err == nil {
		t.Fatalf("Run succeeded for a failed query")
	}

	q, gerr := a.Store.GetQuery(context.Background(), "q-1")
	if gerr != nil {
		t.Fatalf("get query: %v", gerr)
	}
	if q.Status != domain.QueryFailed {
		t.Fatalf("query status = %q, want failed", q.Status)
	}
	op, gerr := a.Store.GetOperation(context.Background(), "q-1")
	if gerr != nil {
		t.Fatalf("get operation: %v", gerr)
	}
	if op.Status != domain.OpFailed || op.ErrorMessage == nil {
		t.Fatalf("operation = %+v", op)
	}
}

func TestRunTimesOut(t *testing.T) {
	console := newStubConsole("running")
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	a.MaxAttempts = 3
	_, err := a.Run(context.Background(), "slow", DefaultQuery("slow", 7, 100, time.Now()))
	var timeout *async.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *async.TimeoutError", err)
	}
	if timeout.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", timeout.Attempts)
	}
}

func TestDeepAnalysisEnrichesFlows(t *testing.T) {
	console := newStubConsole("completed")
	console.flows = sampleFlows()
	console.enriched = enrichedFlows()
	console.rulesStatuses = []string{"working", "completed"}
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	a.DeepAnalysis = true
	res, err := a.Run(context.Background(), "deep", DefaultQuery("deep", 7, 100, time.Now()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Enriched {
		t.Fatalf("result not enriched: %+v", res)
	}

	ctx := context.Background()
	q, err := a.Store.GetQuery(ctx, "q-1")
	if err != nil {
		t.Fatalf("get query: %v", err)
	}
	if q.RulesStatus == nil || *q.RulesStatus != domain.RulesCompleted {
		t.Fatalf("rules_status = %v", q.RulesStatus)
	}
	if q.RulesCompletedAt == nil {
		t.Fatalf("rules_completed_at not stamped")
	}
	flows, err := a.Store.ListFlows(ctx, "q-1")
	if err != nil {
		t.Fatalf("list flows: %v", err)
	}
	var withRule int
	for _, f := range flows {
		if f.RuleRef != nil {
			withRule++
		}
	}
	if withRule != 1 {
		t.Fatalf("flows with rule = %d, want 1", withRule)
	}
}

func TestDeepAnalysisFailureIsNonFatal(t *testing.T) {
	console := newStubConsole("completed")
	console.flows = sampleFlows()
	console.triggerCode = http.StatusInternalServerError
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	a.DeepAnalysis = true
	res, err := a.Run(context.Background(), "deep", DefaultQuery("deep", 7, 100, time.Now()))
	if err != nil {
		t.Fatalf("Run: %v (secondary failure must not be fatal)", err)
	}
	if res.Enriched {
		t.Fatalf("result claims enrichment after trigger failure")
	}
	if res.RulesError == "" {
		t.Fatalf("rules error not recorded")
	}
	// Primary results stay intact.
	if res.Stored != 2 {
		t.Fatalf("stored = %d, want 2", res.Stored)
	}
	q, gerr := a.Store.GetQuery(context.Background(), "q-1")
	if gerr != nil {
		t.Fatalf("get query: %v", gerr)
	}
	if q.Status != domain.QueryCompleted {
		t.Fatalf("primary status = %q, want completed", q.Status)
	}
	if q.RulesStatus == nil || *q.RulesStatus != domain.RulesFailed {
		t.Fatalf("rules_status = %v, want failed", q.RulesStatus)
	}
}

func TestRuleAnalysisPrecondition(t *testing.T) {
	console := newStubConsole("running")
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	op := &RuleAnalysisOperation{Client: pce.New(srv.URL, "1")}
	err := op.CheckPrecondition(context.Background(), "q-1")
	if !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("err = %v, want ErrNotCompleted", err)
	}
}

func TestIdenticalPayloadsGetDistinctIDs(t *testing.T) {
	console := newStubConsole("completed")
	console.flows = sampleFlows()
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	query := DefaultQuery("same", 7, 100, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))

	first, err := a.Run(context.Background(), "same", query)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := a.Run(context.Background(), "same", query)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.QueryID == second.QueryID {
		t.Fatalf("identical payloads shared id %s", first.QueryID)
	}
	for _, id := range []string{first.QueryID, second.QueryID} {
		if _, err := a.Store.GetQuery(context.Background(), id); err != nil {
			t.Fatalf("query %s not tracked: %v", id, err)
		}
	}
}

func TestRunWithoutStore(t *testing.T) {
	console := newStubConsole("completed")
	console.flows = sampleFlows()
	srv := httptest.NewServer(console.handler())
	defer srv.Close()

	a := newTestAnalyzer(t, srv.URL)
	a.Store = nil
	res, err := a.Run(context.Background(), "ephemeral", DefaultQuery("ephemeral", 7, 100, time.Now()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FlowCount != 2 || res.Stored != 0 {
		t.Fatalf("count=%d stored=%d, want 2/0", res.FlowCount, res.Stored)
	}
}
