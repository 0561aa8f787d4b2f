package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "state.sqlite"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := openTemp(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := s.CreateRun(ctx, "LampStack", "deploy", "us-east-1", "sha256:aaa")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, first.ID, nil, map[string]string{"ALBDNS": "a.example", "RDSEndpoint": "db.example"}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	second, err := s.CreateRun(ctx, "LampStack", "deploy", "us-east-1", "sha256:bbb")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, second.ID, errors.New("ROLLBACK_COMPLETE"), nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if _, err := s.CreateRun(ctx, "Other", "verify", "eu-west-1", ""); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, "LampStack", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Status != StatusFailed || runs[0].Error != "ROLLBACK_COMPLETE" || runs[0].Duration() != time.Second {
		t.Fatalf("failed run = %+v", runs[0])
	}
	all, err := s.ListRuns(ctx, "", 10)
	if err != nil || len(all) != 3 || all[0].FinishedAt != nil {
		t.Fatalf("all runs = %+v, %v", all, err)
	}

	last, err := s.LastSucceeded(ctx, "LampStack", "deploy")
	if err != nil {
		t.Fatalf("LastSucceeded: %v", err)
	}
	if last.ID != first.ID || last.TemplateDigest != "sha256:aaa" {
		t.Fatalf("last = %+v", last)
	}
	outs, err := s.Outputs(ctx, last.ID)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	if outs["ALBDNS"] != "a.example" || len(outs) != 2 {
		t.Fatalf("outputs = %v", outs)
	}
	if _, err := s.LastSucceeded(ctx, "Other", "deploy"); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}
	if err := s.FinishRun(ctx, "missing", nil, nil); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun for unknown run, got %v", err)
	}
}

func TestOpenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.sqlite")
	if _, err := Open(path, true); err == nil {
		t.Fatalf("read-only open of a missing store must fail")
	}
	rw, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := rw.CreateRun(context.Background(), "LampStack", "deploy", "", ""); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	_ = rw.Close()

	again, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	runs, err := again.ListRuns(context.Background(), "LampStack", 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
}
