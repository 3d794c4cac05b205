// Package async drives remote submit-then-poll jobs to completion. The
// state machine is generic; everything job-specific lives behind the
// Operation interface.
package async

import (
	"context"
	"fmt"
	"time"
)

// Operation is one kind of remote asynchronous job. Responses are opaque
// to the runner; the operation extracts what the runner needs from them.
type Operation interface {
	// Kind names the operation for ledgers and logs.
	Kind() string
	// Submit starts the remote job and returns its id.
	Submit(ctx context.Context, req any) (string, error)
	// GetStatus fetches the current remote status response.
	GetStatus(ctx context.Context, id string) (any, error)
	// GetResults fetches the job's results once completed.
	GetResults(ctx context.Context, id string) (any, error)
	// ExtractStatus pulls the status string out of a status response.
	ExtractStatus(resp any) string
	// ExtractError pulls a failure message out of a status response.
	ExtractError(resp any) string
	// IsCompleted reports whether status is the success terminal state.
	IsCompleted(status string) bool
	// IsFailed reports whether status is a failure terminal state.
	IsFailed(status string) bool
}

// SubmissionError reports that a job could not be started or that the
// remote response carried no usable id.
type SubmissionError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submit %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("submit %s: %s", e.Kind, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// FailedError reports a remote job that reached a failure status.
type FailedError struct {
	Kind    string
	ID      string
	Status  string
	Message string
}

func (e *FailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s failed (status %s): %s", e.Kind, e.ID, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s failed (status %s)", e.Kind, e.ID, e.Status)
}

// TimeoutError reports a job still not terminal after every poll attempt.
type TimeoutError struct {
	Kind       string
	ID         string
	Attempts   int
	LastStatus string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s not terminal after %d polls (last status %q)", e.Kind, e.ID, e.Attempts, e.LastStatus)
}

// Observer is notified once per observed status change, including the
// first status seen.
type Observer func(id, status string, resp any)

// Runner polls one Operation to completion.
type Runner struct {
	Op           Operation
	PollInterval time.Duration
	MaxAttempts  int
	Observer     Observer

	// Sleep is a test seam; nil means a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (r Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return 5 * time.Second
}

func (r Runner) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 60
}

func (r Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit starts the job and validates the returned id.
func (r Runner) Submit(ctx context.Context, req any) (string, error) {
	id, err := r.Op.Submit(ctx, req)
	if err != nil {
		if _, ok := err.(*SubmissionError); ok {
			return "", err
		}
		return "", &SubmissionError{Kind: r.Op.Kind(), Reason: "request failed", Err: err}
	}
	if id == "" {
		return "", &SubmissionError{Kind: r.Op.Kind(), Reason: "response carried no operation id"}
	}
	return id, nil
}

// Wait polls the job until it completes, fails, or the attempt budget
// runs out. Statuses the operation recognizes as neither completed nor
// failed, including ones it has never seen, just mean keep waiting.
func (r Runner) Wait(ctx context.Context, id string) (any, error) {
	attempts := r.maxAttempts()
	last := ""
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := r.Op.GetStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("poll %s %s: %w", r.Op.Kind(), id, err)
		}
		status := r.Op.ExtractStatus(resp)
		if status != last {
			last = status
			if r.Observer != nil {
				r.Observer(id, status, resp)
			}
		}
		if r.Op.IsCompleted(status) {
			return r.Op.GetResults(ctx, id)
		}
		if r.Op.IsFailed(status) {
			return nil, &FailedError{Kind: r.Op.Kind(), ID: id, Status: status, Message: r.Op.ExtractError(resp)}
		}
		if attempt < attempts-1 {
			if err := r.sleep(ctx, r.pollInterval()); err != nil {
				return nil, err
			}
		}
	}
	return nil, &TimeoutError{Kind: r.Op.Kind(), ID: id, Attempts: attempts, LastStatus: last}
}

// Execute submits the job and waits for its results.
func (r Runner) Execute(ctx context.Context, req any) (any, error) {
	id, err := r.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, id)
}
