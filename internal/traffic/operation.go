// Package traffic implements traffic-flow analysis against the policy
// console: the concrete async query operation, the deep rule-analysis
// sub-job, and the orchestrator tying them to the local store.
package traffic

import (
	"context"
	"fmt"
	"strings"

	"flowlens/internal/async"
	"flowlens/internal/domain"
	"flowlens/internal/pce"
)

// QueryOperation is the async traffic query as seen by the poll runner.
type QueryOperation struct {
	Client *pce.Client
	// PageSize bounds each results download page.
	PageSize int
}

func (o *QueryOperation) Kind() string { return "traffic_analysis" }

func (o *QueryOperation) Submit(ctx context.Context, req any) (string, error) {
	query, ok := req.(pce.TrafficQuery)
	if !ok {
		return "", fmt.Errorf("unexpected request type %T", req)
	}
	ref, err := o.Client.CreateTrafficQuery(ctx, query)
	if err != nil {
		return "", err
	}
	return OperationID(ref), nil
}

// OperationID resolves the remote id from a creation response: the
// explicit id when present, otherwise the trailing path segment of the
// href. Empty means the response carried no usable id.
func OperationID(ref pce.QueryRef) string {
	if ref.ID != "" {
		return ref.ID
	}
	href := strings.TrimRight(strings.TrimSpace(ref.Href), "/")
	if href == "" {
		return ""
	}
	if i := strings.LastIndex(href, "/"); i >= 0 {
		return href[i+1:]
	}
	return href
}

func (o *QueryOperation) GetStatus(ctx context.Context, id string) (any, error) {
	st, err := o.Client.GetTrafficQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (o *QueryOperation) GetResults(ctx context.Context, id string) (any, error) {
	return o.Client.DownloadAllResults(ctx, id, o.PageSize)
}

func (o *QueryOperation) ExtractStatus(resp any) string {
	st, ok := resp.(pce.QueryStatus)
	if !ok {
		return ""
	}
	return st.Status
}

func (o *QueryOperation) ExtractError(resp any) string {
	st, ok := resp.(pce.QueryStatus)
	if !ok {
		return ""
	}
	return st.FailureMessage()
}

func (o *QueryOperation) IsCompleted(status string) bool {
	return status == domain.QueryCompleted
}

func (o *QueryOperation) IsFailed(status string) bool {
	return status == domain.QueryFailed
}

var _ async.Operation = (*QueryOperation)(nil)
