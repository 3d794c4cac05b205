package traffic

import (
	"time"

	"flowlens/internal/pce"
)

const timeFormat = "2006-01-02T15:04:05Z"

var defaultPolicyDecisions = []string{"allowed", "potentially_blocked", "blocked", "unknown"}

// DefaultQuery builds a broad query over the last days of traffic.
func DefaultQuery(name string, days, maxResults int, now time.Time) pce.TrafficQuery {
	if days <= 0 {
		days = 7
	}
	if maxResults <= 0 {
		maxResults = 10000
	}
	end := now.UTC()
	start := end.AddDate(0, 0, -days)
	return pce.TrafficQuery{
		QueryName:        name,
		StartDate:        start.Format(timeFormat),
		EndDate:          end.Format(timeFormat),
		Sources:          matchAll(),
		Destinations:     matchAll(),
		Services:         pce.ServiceFilter{Include: []map[string]any{}, Exclude: []map[string]any{}},
		PolicyDecisions:  defaultPolicyDecisions,
		MaxResults:       maxResults,
		ExcludeWorkloads: false,
	}
}

// FlowQuery builds a narrow query matching one source/destination pair
// on one service. Zero proto/port leave the service clause open.
func FlowQuery(name, srcIP, dstIP string, proto, port, days, maxResults int, now time.Time) pce.TrafficQuery {
	q := DefaultQuery(name, days, maxResults, now)
	if srcIP != "" {
		q.Sources.Include = [][]map[string]any{{{"ip_address": srcIP}}}
	}
	if dstIP != "" {
		q.Destinations.Include = [][]map[string]any{{{"ip_address": dstIP}}}
	}
	if proto > 0 {
		svc := map[string]any{"proto": proto}
		if port > 0 {
			svc["port"] = port
		}
		q.Services.Include = []map[string]any{svc}
	}
	return q
}

// matchAll is the console's everything filter: one empty AND-group.
func matchAll() pce.EndpointFilter {
	return pce.EndpointFilter{
		Include: [][]map[string]any{{}},
		Exclude: []map[string]any{},
	}
}
