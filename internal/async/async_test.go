package async

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeOp scripts a status sequence; the last entry repeats forever.
type fakeOp struct {
	submitID  string
	submitErr error
	statuses  []string
	polls     int
	results   any
	failMsg   string
}

func (f *fakeOp) Kind() string { return "fake_job" }

func (f *fakeOp) Submit(ctx context.Context, req any) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeOp) GetStatus(ctx context.Context, id string) (any, error) {
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return map[string]any{"status": f.statuses[i], "error": f.failMsg}, nil
}

func (f *fakeOp) GetResults(ctx context.Context, id string) (any, error) { return f.results, nil }

func (f *fakeOp) ExtractStatus(resp any) string {
	return resp.(map[string]any)["status"].(string)
}

func (f *fakeOp) ExtractError(resp any) string {
	return resp.(map[string]any)["error"].(string)
}

func (f *fakeOp) IsCompleted(status string) bool { return status == "completed" }
func (f *fakeOp) IsFailed(status string) bool    { return status == "failed" }

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestExecuteCompletesAfterThreePolls(t *testing.T) {
	op := &fakeOp{submitID: "job-1", statuses: []string{"queued", "running", "completed"}, results: "the-results"}
	var seen []string
	r := Runner{Op: op, MaxAttempts: 10, Sleep: noSleep, Observer: func(id, status string, resp any) {
		seen = append(seen, status)
	}}

	got, err := r.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "the-results" {
		t.Fatalf("results = %v", got)
	}
	if op.polls != 3 {
		t.Fatalf("polled %d times, want 3", op.polls)
	}
	if len(seen) != 3 || seen[0] != "queued" || seen[2] != "completed" {
		t.Fatalf("observer saw %v", seen)
	}
}

func TestObserverFiresOnlyOnChange(t *testing.T) {
	op := &fakeOp{submitID: "job-1", statuses: []string{"running", "running", "running", "completed"}}
	var seen []string
	r := Runner{Op: op, MaxAttempts: 10, Sleep: noSleep, Observer: func(id, status string, resp any) {
		seen = append(seen, status)
	}}
	if _, err := r.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("observer fired %d times (%v), want 2", len(seen), seen)
	}
}

func TestUnknownStatusKeepsWaiting(t *testing.T) {
	op := &fakeOp{submitID: "job-1", statuses: []string{"optimizing", "completed"}}
	r := Runner{Op: op, MaxAttempts: 5, Sleep: noSleep}
	if _, err := r.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if op.polls != 2 {
		t.Fatalf("polled %d times, want 2", op.polls)
	}
}

func TestExecuteTimesOutAfterMaxAttempts(t *testing.T) {
	op := &fakeOp{submitID: "job-1", statuses: []string{"running"}}
	r := Runner{Op: op, MaxAttempts: 4, Sleep: noSleep}
	_, err := r.Execute(context.Background(), nil)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeout.Attempts != 4 || op.polls != 4 {
		t.Fatalf("attempts=%d polls=%d, want 4/4", timeout.Attempts, op.polls)
	}
	if timeout.LastStatus != "running" {
		t.Fatalf("last status = %q", timeout.LastStatus)
	}
}

func TestExecuteReportsRemoteFailure(t *testing.T) {
	op := &fakeOp{submitID: "job-1", statuses: []string{"running", "failed"}, failMsg: "quota exceeded"}
	r := Runner{Op: op, MaxAttempts: 10, Sleep: noSleep}
	_, err := r.Execute(context.Background(), nil)
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *FailedError", err)
	}
	if failed.Message != "quota exceeded" || failed.Status != "failed" {
		t.Fatalf("failure = %+v", failed)
	}
}

func TestSubmitWithoutIDIsSubmissionError(t *testing.T) {
	op := &fakeOp{submitID: ""}
	r := Runner{Op: op, Sleep: noSleep}
	_, err := r.Submit(context.Background(), nil)
	var sub *SubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
}

func TestSubmitWrapsTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	op := &fakeOp{submitErr: boom}
	r := Runner{Op: op, Sleep: noSleep}
	_, err := r.Submit(context.Background(), nil)
	var sub *SubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("submission error does not wrap transport error")
	}
}
