// Package pce is a minimal client for the policy console REST API,
// covering the async traffic-query surface and a reachability probe.
package pce

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one policy console organization.
type Client struct {
	BaseURL    string
	OrgID      string
	APIKey     string
	APISecret  string
	Insecure   bool
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pce error: status=%d body=%s", e.StatusCode, e.Body)
}

// TrafficQuery is the async query creation request.
type TrafficQuery struct {
	QueryName        string          `json:"query_name"`
	StartDate        string          `json:"start_date"`
	EndDate          string          `json:"end_date"`
	Sources          EndpointFilter  `json:"sources"`
	Destinations     EndpointFilter  `json:"destinations"`
	Services         ServiceFilter   `json:"services"`
	PolicyDecisions  []string        `json:"policy_decisions"`
	MaxResults       int             `json:"max_results"`
	ExcludeWorkloads bool            `json:"exclude_workloads_from_ip_list_query"`
}

// EndpointFilter holds include/exclude clauses for one side of a flow.
// Include is a list of AND-groups, each a list of single-key objects.
type EndpointFilter struct {
	Include [][]map[string]any `json:"include"`
	Exclude []map[string]any   `json:"exclude"`
}

type ServiceFilter struct {
	Include []map[string]any `json:"include"`
	Exclude []map[string]any `json:"exclude"`
}

// QueryRef is the creation response; some console versions return an id,
// others only an href.
type QueryRef struct {
	ID   string `json:"id"`
	Href string `json:"href"`
}

// QueryStatus is the polling response for one async query.
type QueryStatus struct {
	ID           string     `json:"id"`
	Href         string     `json:"href"`
	Status       string     `json:"status"`
	MatchesCount *int       `json:"matches_count,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Error        string     `json:"error,omitempty"`
	Rules        *RulesInfo `json:"rules,omitempty"`
}

// FailureMessage returns the best available failure description.
func (s QueryStatus) FailureMessage() string {
	if s.ErrorMessage != "" {
		return s.ErrorMessage
	}
	return s.Error
}

// RulesInfo is the nested rule-analysis progress. The console reports it
// either as an object with a status field or as a bare status string.
type RulesInfo struct {
	Status string `json:"status"`
}

func (r *RulesInfo) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.Status = bare
		return nil
	}
	type alias RulesInfo
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = RulesInfo(obj)
	return nil
}

// FlowRecord is one downloaded traffic flow.
type FlowRecord struct {
	Src            FlowEndpoint    `json:"src"`
	Dst            FlowEndpoint    `json:"dst"`
	Service        *ServiceInfo    `json:"service,omitempty"`
	PolicyDecision string          `json:"policy_decision"`
	FlowDirection  string          `json:"flow_direction,omitempty"`
	NumConnections *int            `json:"num_connections,omitempty"`
	TimestampRange *TimestampRange `json:"timestamp_range,omitempty"`
	Rules          *FlowRules      `json:"rules,omitempty"`
}

type FlowEndpoint struct {
	IP       string       `json:"ip"`
	Workload *WorkloadRef `json:"workload,omitempty"`
}

type WorkloadRef struct {
	Href     string `json:"href,omitempty"`
	Name     string `json:"name,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

type ServiceInfo struct {
	Name  string `json:"name,omitempty"`
	Port  *int   `json:"port,omitempty"`
	Proto *int   `json:"proto,omitempty"`
}

type TimestampRange struct {
	FirstDetected string `json:"first_detected,omitempty"`
	LastDetected  string `json:"last_detected,omitempty"`
}

// RuleRef identifies one matched security rule.
type RuleRef struct {
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// FlowRules is the per-flow rule match. Older consoles send an object
// with a sec_policy member, newer ones a list of rule refs.
type FlowRules struct {
	Matched []RuleRef
}

func (fr *FlowRules) UnmarshalJSON(data []byte) error {
	var list []RuleRef
	if err := json.Unmarshal(data, &list); err == nil {
		fr.Matched = list
		return nil
	}
	var obj struct {
		SecPolicy *RuleRef `json:"sec_policy"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.SecPolicy != nil {
		fr.Matched = []RuleRef{*obj.SecPolicy}
	}
	return nil
}

func (fr *FlowRules) MarshalJSON() ([]byte, error) {
	return json.Marshal(fr.Matched)
}

// First returns the first matched rule, if any.
func (fr *FlowRules) First() *RuleRef {
	if fr == nil || len(fr.Matched) == 0 {
		return nil
	}
	return &fr.Matched[0]
}

// CreateTrafficQuery starts an async traffic query.
func (c *Client) CreateTrafficQuery(ctx context.Context, q TrafficQuery) (QueryRef, error) {
	var resp QueryRef
	err := c.do(ctx, http.MethodPost, c.orgPath("traffic_flows/async_queries"), q, &resp)
	return resp, err
}

// GetTrafficQuery fetches the current status of an async query.
func (c *Client) GetTrafficQuery(ctx context.Context, id string) (QueryStatus, error) {
	var resp QueryStatus
	endpoint := c.orgPath(fmt.Sprintf("traffic_flows/async_queries/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DownloadResults fetches one page of a completed query's flows.
func (c *Client) DownloadResults(ctx context.Context, id string, offset, limit int) ([]FlowRecord, error) {
	var resp []FlowRecord
	endpoint := c.orgPath(fmt.Sprintf("traffic_flows/async_queries/%s/download?offset=%d&limit=%d", url.PathEscape(id), offset, limit))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DownloadAllResults pages through the download endpoint until a short
// page signals the end.
func (c *Client) DownloadAllResults(ctx context.Context, id string, pageSize int) ([]FlowRecord, error) {
	if pageSize <= 0 {
		pageSize = 5000
	}
	var all []FlowRecord
	for offset := 0; ; offset += pageSize {
		page, err := c.DownloadResults(ctx, id, offset, pageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// StartRuleAnalysis asks the console to run deep rule analysis over a
// completed query. The console acknowledges with 202 and no body.
func (c *Client) StartRuleAnalysis(ctx context.Context, id string, labelBased bool) error {
	body := map[string]any{"label_based_rules": labelBased}
	endpoint := c.orgPath(fmt.Sprintf("traffic_flows/async_queries/%s/update_rules", url.PathEscape(id)))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// CheckConnection probes the console with the cheapest authenticated
// request available.
func (c *Client) CheckConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.orgPath("labels?max_results=1"), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
		if c.Insecure {
			c.HTTPClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.SetBasicAuth(c.APIKey, c.APISecret)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("api/v2/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
