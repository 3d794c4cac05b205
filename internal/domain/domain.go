package domain

// Operation statuses as stored in the operations table.
const (
	OpCreated   = "created"
	OpRunning   = "running"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

// Remote query statuses reported by the policy console. Unknown values
// are kept as-is and treated as still in progress.
const (
	QueryCreated   = "created"
	QueryQueued    = "queued"
	QueryRunning   = "running"
	QueryCompleted = "completed"
	QueryFailed    = "failed"
)

// Rule-analysis statuses for the secondary phase. Stored separately from
// the query status; the two never overwrite each other.
const (
	RulesQueued    = "queued"
	RulesWorking   = "working"
	RulesCompleted = "completed"
	RulesFailed    = "failed"
)

// Operation is one row of the generic async operation ledger. Timestamps
// are RFC3339 strings in UTC.
type Operation struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	RequestJSON  string  `json:"request_json,omitempty"`
	ResultRef    *string `json:"result_ref,omitempty"`
}

// Query is a traffic query tracked locally, keyed by the remote operation
// id (or a placeholder id before submission succeeds).
type Query struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	RulesStatus      *string `json:"rules_status,omitempty"`
	RulesCompletedAt *string `json:"rules_completed_at,omitempty"`
	RawQuery         string  `json:"raw_query,omitempty"`
	LastUpdated      string  `json:"last_updated"`
}

// Flow is one traffic flow belonging to exactly one query. Flows are
// always replaced wholesale when a query's results are (re)stored.
type Flow struct {
	ID             int64   `json:"id"`
	QueryID        string  `json:"query_id"`
	SrcIP          string  `json:"src_ip"`
	SrcWorkload    *string `json:"src_workload,omitempty"`
	DstIP          string  `json:"dst_ip"`
	DstWorkload    *string `json:"dst_workload,omitempty"`
	Service        *string `json:"service,omitempty"`
	Port           *int    `json:"port,omitempty"`
	Protocol       *int    `json:"protocol,omitempty"`
	PolicyDecision string  `json:"policy_decision"`
	FirstDetected  *string `json:"first_detected,omitempty"`
	LastDetected   *string `json:"last_detected,omitempty"`
	NumConnections *int    `json:"num_connections,omitempty"`
	FlowDirection  *string `json:"flow_direction,omitempty"`
	RuleRef        *string `json:"rule_ref,omitempty"`
	RuleName       *string `json:"rule_name,omitempty"`
	RawJSON        string  `json:"-"`
}

// Event is one append-only log entry describing a lifecycle transition.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

// FlowStats summarizes the stored flows of one query.
type FlowStats struct {
	QueryID       string         `json:"query_id"`
	Total         int            `json:"total"`
	ByDecision    map[string]int `json:"by_decision"`
	WithRule      int            `json:"with_rule"`
	RulesCoverage float64        `json:"rules_coverage"`
}
