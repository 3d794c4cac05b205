package traffic

import (
	"testing"
	"time"

	"flowlens/internal/pce"
)

func TestOperationIDPrefersExplicitID(t *testing.T) {
	got := OperationID(pce.QueryRef{ID: "q-7", Href: "/orgs/1/traffic_flows/async_queries/q-9"})
	if got != "q-7" {
		t.Fatalf("OperationID = %q, want q-7", got)
	}
}

func TestOperationIDFallsBackToHref(t *testing.T) {
	cases := map[string]string{
		"/orgs/1/traffic_flows/async_queries/q-9":  "q-9",
		"/orgs/1/traffic_flows/async_queries/q-9/": "q-9",
		"q-9": "q-9",
		"":    "",
		"   ": "",
	}
	for href, want := range cases {
		if got := OperationID(pce.QueryRef{Href: href}); got != want {
			t.Fatalf("OperationID(href=%q) = %q, want %q", href, got, want)
		}
	}
}

func TestDefaultQueryWindow(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	q := DefaultQuery("weekly", 7, 500, now)
	if q.StartDate != "2024-05-03T12:00:00Z" || q.EndDate != "2024-05-10T12:00:00Z" {
		t.Fatalf("window = %s .. %s", q.StartDate, q.EndDate)
	}
	if q.MaxResults != 500 {
		t.Fatalf("max results = %d", q.MaxResults)
	}
	if len(q.Sources.Include) != 1 || len(q.Sources.Include[0]) != 0 {
		t.Fatalf("sources include is not the match-all clause: %v", q.Sources.Include)
	}
}

func TestFlowQueryNarrowsFilters(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	q := FlowQuery("pair", "10.0.0.1", "10.0.0.2", 6, 443, 3, 100, now)
	if q.Sources.Include[0][0]["ip_address"] != "10.0.0.1" {
		t.Fatalf("sources = %v", q.Sources.Include)
	}
	if q.Destinations.Include[0][0]["ip_address"] != "10.0.0.2" {
		t.Fatalf("destinations = %v", q.Destinations.Include)
	}
	svc := q.Services.Include[0]
	if svc["proto"] != 6 || svc["port"] != 443 {
		t.Fatalf("services = %v", q.Services.Include)
	}
}
