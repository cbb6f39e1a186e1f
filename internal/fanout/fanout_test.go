package fanout

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taosim-validator/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunExactlyOneOutcomePerAxon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(8, discardLogger())
	targets := []Target{
		{UID: 1, URL: srv.URL},
		{UID: 2, URL: srv.URL},
		{UID: 3, URL: srv.URL},
	}
	p := Params{AxonTimeout: time.Second, QueryTimeout: time.Second, StepDeadline: 2 * time.Second, Concurrency: 2}

	results := Run(context.Background(), client, targets, p, discardLogger())

	if err := ValidateExactlyOnce(targets, results); err != nil {
		t.Fatal(err)
	}
	for uid, outcome := range results {
		if outcome.Kind != types.OutcomeSuccess {
			t.Fatalf("uid %d: expected success, got %v (%s)", uid, outcome.Kind, outcome.Reason)
		}
		if outcome.RawPayload != "ok" {
			t.Fatalf("uid %d: expected raw payload 'ok', got %q", uid, outcome.RawPayload)
		}
	}
}

func TestRunTimeoutOnSlowAxon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(8, discardLogger())
	targets := []Target{{UID: 1, URL: srv.URL}}
	p := Params{AxonTimeout: 20 * time.Millisecond, QueryTimeout: 20 * time.Millisecond, StepDeadline: time.Second, Concurrency: 1}

	results := Run(context.Background(), client, targets, p, discardLogger())

	outcome := results[1]
	if outcome.Kind != types.OutcomeTimeout {
		t.Fatalf("expected timeout, got %v", outcome.Kind)
	}
}

func TestRunBlacklistedNeverQueried(t *testing.T) {
	queried := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queried = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(8, discardLogger())
	targets := []Target{{UID: 1, URL: srv.URL, Blacklisted: true}}
	p := Params{AxonTimeout: time.Second, QueryTimeout: time.Second, StepDeadline: time.Second, Concurrency: 1}

	results := Run(context.Background(), client, targets, p, discardLogger())

	if results[1].Kind != types.OutcomeBlacklisted {
		t.Fatalf("expected blacklisted outcome, got %v", results[1].Kind)
	}
	if queried {
		t.Fatal("expected blacklisted axon never queried")
	}
}

func TestRunStepDeadlineAbandonsOutstanding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(8, discardLogger())
	targets := []Target{{UID: 1, URL: srv.URL}}
	p := Params{AxonTimeout: time.Second, QueryTimeout: time.Second, StepDeadline: 30 * time.Millisecond, Concurrency: 1}

	start := time.Now()
	results := Run(context.Background(), client, targets, p, discardLogger())
	elapsed := time.Since(start)

	if elapsed > 300*time.Millisecond {
		t.Fatalf("expected fanout to abandon by step deadline, took %v", elapsed)
	}
	if results[1].Kind != types.OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %v", results[1].Kind)
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	var active, maxActive int
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-mu
		active++
		if active > maxActive {
			maxActive = active
		}
		mu <- struct{}{}

		time.Sleep(30 * time.Millisecond)

		<-mu
		active--
		mu <- struct{}{}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(8, discardLogger())
	targets := make([]Target, 6)
	for i := range targets {
		targets[i] = Target{UID: uint32(i + 1), URL: srv.URL}
	}
	p := Params{AxonTimeout: time.Second, QueryTimeout: time.Second, StepDeadline: 2 * time.Second, Concurrency: 2}

	Run(context.Background(), client, targets, p, discardLogger())

	if maxActive > 2 {
		t.Fatalf("expected concurrency bounded to 2, observed %d", maxActive)
	}
}
