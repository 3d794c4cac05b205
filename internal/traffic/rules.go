package traffic

import (
	"context"
	"errors"
	"fmt"

	"flowlens/internal/async"
	"flowlens/internal/domain"
	"flowlens/internal/pce"
)

// ErrNotCompleted is returned when deep rule analysis is requested for a
// query that has not reached the completed state.
var ErrNotCompleted = errors.New("query is not completed")

// RuleAnalysisOperation is the deep rule-analysis sub-job over an already
// completed traffic query. The console carries its progress in the
// nested rules field of the parent query's status response; the sub-job
// shares the parent's id.
type RuleAnalysisOperation struct {
	Client     *pce.Client
	LabelBased bool
	PageSize   int
}

func (o *RuleAnalysisOperation) Kind() string { return "rule_analysis" }

// CheckPrecondition verifies the parent query completed. Run it before
// submitting; the trigger endpoint accepts requests for unfinished
// queries and then silently does nothing useful.
func (o *RuleAnalysisOperation) CheckPrecondition(ctx context.Context, id string) error {
	st, err := o.Client.GetTrafficQuery(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != domain.QueryCompleted {
		return fmt.Errorf("%w: query %s has status %q", ErrNotCompleted, id, st.Status)
	}
	return nil
}

// Submit fires the analysis trigger. The console acknowledges without a
// body, so the job keeps the parent query's id.
func (o *RuleAnalysisOperation) Submit(ctx context.Context, req any) (string, error) {
	id, ok := req.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("rule analysis needs a query id, got %T", req)
	}
	if err := o.Client.StartRuleAnalysis(ctx, id, o.LabelBased); err != nil {
		return "", err
	}
	return id, nil
}

func (o *RuleAnalysisOperation) GetStatus(ctx context.Context, id string) (any, error) {
	st, err := o.Client.GetTrafficQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetResults re-downloads the full result set; the console rewrites the
// stored flows with rule matches as part of the analysis.
func (o *RuleAnalysisOperation) GetResults(ctx context.Context, id string) (any, error) {
	return o.Client.DownloadAllResults(ctx, id, o.PageSize)
}

// ExtractStatus reads the nested rules progress. Empty means the console
// has not started reporting yet, which the runner treats as keep waiting.
func (o *RuleAnalysisOperation) ExtractStatus(resp any) string {
	st, ok := resp.(pce.QueryStatus)
	if !ok || st.Rules == nil {
		return ""
	}
	return st.Rules.Status
}

func (o *RuleAnalysisOperation) ExtractError(resp any) string {
	st, ok := resp.(pce.QueryStatus)
	if !ok {
		return ""
	}
	return st.FailureMessage()
}

func (o *RuleAnalysisOperation) IsCompleted(status string) bool {
	return status == domain.RulesCompleted
}

func (o *RuleAnalysisOperation) IsFailed(status string) bool {
	return status == domain.RulesFailed
}

var _ async.Operation = (*RuleAnalysisOperation)(nil)
