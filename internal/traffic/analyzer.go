package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"flowlens/internal/async"
	"flowlens/internal/backoff"
	"flowlens/internal/domain"
	"flowlens/internal/pce"
	"flowlens/internal/store"
)

// Analyzer runs one traffic analysis end to end: track it locally,
// submit, poll, store the flows, and optionally enrich them with deep
// rule analysis. The store is optional; with a nil store the analysis
// still runs, it just leaves no local trace.
//
// Persistence is best effort throughout. Each store call gets its own
// bounded retry; a call that still fails is logged and the analysis
// carries on, because the remote results matter more than the local
// mirror.
type Analyzer struct {
	Client *pce.Client
	Store  *store.Store

	PollInterval time.Duration
	MaxAttempts  int
	PageSize     int
	PersistRetry backoff.Policy

	// DeepAnalysis enables the secondary rule-analysis phase.
	DeepAnalysis bool
	LabelBased   bool

	Observer async.Observer
	Logf     func(format string, args ...any)
	Now      func() time.Time

	// Sleep is a test seam passed through to the poll runners.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of one analysis run.
type Result struct {
	QueryID    string        `json:"query_id"`
	FlowCount  int           `json:"flow_count"`
	Stored     int           `json:"stored"`
	Enriched   bool          `json:"enriched"`
	RulesError string        `json:"rules_error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Summary    string        `json:"summary"`
	Flows      []domain.Flow `json:"-"`
}

func (a *Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Analyzer) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (a *Analyzer) persistRetry() backoff.Policy {
	if a.PersistRetry.MaxRetries > 0 {
		return a.PersistRetry
	}
	return backoff.DefaultPolicy()
}

// persist runs one store call with bounded retry on lock contention and
// downgrades any remaining failure to a log line.
func (a *Analyzer) persist(ctx context.Context, label string, fn func() error) {
	if a.Store == nil {
		return
	}
	if err := backoff.Retry(ctx, a.persistRetry(), store.IsLocked, fn); err != nil {
		a.logf("flowlens: persist %s failed: %v", label, err)
	}
}

// Run submits query and drives it to completion. The returned error is
// nil whenever primary results were obtained, even if the secondary
// phase or any persistence failed along the way.
func (a *Analyzer) Run(ctx context.Context, name string, query pce.TrafficQuery) (*Result, error) {
	start := a.now()
	rawQuery, _ := json.Marshal(query)

	// Track the run before the remote id exists so a crash between
	// submit and first poll still leaves a trace.
	placeholder := "pending-" + uuid.NewString()
	a.persist(ctx, "placeholder", func() error {
		if err := a.Store.InsertOperation(ctx, domain.Operation{
			ID:          placeholder,
			Kind:        "traffic_analysis",
			RequestJSON: string(rawQuery),
		}); err != nil {
			return err
		}
		return a.Store.InsertQuery(ctx, domain.Query{
			ID:       placeholder,
			Name:     name,
			RawQuery: string(rawQuery),
		})
	})

	op := &QueryOperation{Client: a.Client, PageSize: a.PageSize}
	runner := async.Runner{
		Op:           op,
		PollInterval: a.PollInterval,
		MaxAttempts:  a.MaxAttempts,
		Sleep:        a.Sleep,
		Observer: func(id, status string, resp any) {
			// Terminal statuses are persisted on the main path so flow
			// rows land before the completed marker.
			if !op.IsCompleted(status) && !op.IsFailed(status) {
				a.persist(ctx, "query status", func() error {
					return a.Store.UpdateQueryStatus(ctx, id, status)
				})
			}
			if a.Observer != nil {
				a.Observer(id, status, resp)
			}
		},
	}

	id, err := runner.Submit(ctx, query)
	if err != nil {
		msg := err.Error()
		a.persist(ctx, "submit failure", func() error {
			if uerr := a.Store.UpdateOperationStatus(ctx, placeholder, domain.OpFailed, &msg); uerr != nil {
				return uerr
			}
			return a.Store.UpdateQueryStatus(ctx, placeholder, domain.QueryFailed)
		})
		return nil, err
	}

	a.persist(ctx, "rekey", func() error {
		if rerr := a.Store.RekeyOperation(ctx, placeholder, id); rerr != nil {
			return rerr
		}
		return a.Store.RekeyQuery(ctx, placeholder, id)
	})
	a.persist(ctx, "operation running", func() error {
		return a.Store.UpdateOperationStatus(ctx, id, domain.OpRunning, nil)
	})

	raw, err := runner.Wait(ctx, id)
	if err != nil {
		msg := err.Error()
		a.persist(ctx, "primary failure", func() error {
			if uerr := a.Store.UpdateOperationStatus(ctx, id, domain.OpFailed, &msg); uerr != nil {
				return uerr
			}
			return a.Store.UpdateQueryStatus(ctx, id, domain.QueryFailed)
		})
		return nil, err
	}
	records := raw.([]pce.FlowRecord)

	res := &Result{QueryID: id, FlowCount: len(records)}
	res.Flows = ConvertFlows(id, records)
	res.Stored = a.storeFlows(ctx, id, res.Flows)
	a.persist(ctx, "query completed", func() error {
		return a.Store.UpdateQueryStatus(ctx, id, domain.QueryCompleted)
	})
	a.persist(ctx, "operation completed", func() error {
		return a.Store.UpdateOperationStatus(ctx, id, domain.OpCompleted, nil)
	})

	if a.DeepAnalysis {
		enriched, err := a.runDeepAnalysis(ctx, id)
		if err != nil {
			// The primary results stand; losing the enrichment is a
			// warning, not a failure.
			res.RulesError = err.Error()
			a.logf("flowlens: deep rule analysis for %s failed: %v", id, err)
			a.persist(ctx, "rules failure", func() error {
				return a.Store.UpdateRulesStatus(ctx, id, domain.RulesFailed)
			})
		} else {
			res.Flows = ConvertFlows(id, enriched)
			res.FlowCount = len(enriched)
			res.Stored = a.storeFlows(ctx, id, res.Flows)
			res.Enriched = true
		}
	}

	res.Elapsed = a.now().Sub(start)
	res.Summary = summarize(res)
	return res, nil
}

func (a *Analyzer) storeFlows(ctx context.Context, id string, flows []domain.Flow) int {
	if a.Store == nil {
		return 0
	}
	stored := 0
	a.persist(ctx, "flows", func() error {
		n, err := a.Store.ReplaceFlows(ctx, id, flows)
		stored = n
		return err
	})
	return stored
}

func (a *Analyzer) runDeepAnalysis(ctx context.Context, id string) ([]pce.FlowRecord, error) {
	op := &RuleAnalysisOperation{Client: a.Client, LabelBased: a.LabelBased, PageSize: a.PageSize}
	if err := op.CheckPrecondition(ctx, id); err != nil {
		return nil, err
	}
	runner := async.Runner{
		Op:           op,
		PollInterval: a.PollInterval,
		MaxAttempts:  a.MaxAttempts,
		Sleep:        a.Sleep,
		Observer: func(id, status string, resp any) {
			a.persist(ctx, "rules status", func() error {
				return a.Store.UpdateRulesStatus(ctx, id, status)
			})
			if a.Observer != nil {
				a.Observer(id, "rules:"+status, resp)
			}
		},
	}
	if _, err := runner.Submit(ctx, id); err != nil {
		return nil, err
	}
	a.persist(ctx, "rules queued", func() error {
		return a.Store.UpdateRulesStatus(ctx, id, domain.RulesQueued)
	})
	raw, err := runner.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	return raw.([]pce.FlowRecord), nil
}

func summarize(res *Result) string {
	rules := "skipped"
	switch {
	case res.Enriched:
		rules = "completed"
	case res.RulesError != "":
		rules = "failed"
	}
	return fmt.Sprintf("query %s: %d flows (%d stored) in %s, rule analysis %s",
		res.QueryID, res.FlowCount, res.Stored, res.Elapsed.Round(time.Millisecond), rules)
}
