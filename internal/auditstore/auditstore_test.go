package auditstore

import (
	"context"
	"testing"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/supervisor"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRunAndLoadEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	outcome := supervisor.Outcome{
		EffectiveRunID: "run-1",
		ExitCode:       0,
		Duration:       2 * time.Second,
		Reason:         supervisor.ReasonNormal,
		Correlation:    toolevent.Stats{TotalRequests: 2, FailedResults: 0},
		Events: []toolevent.Event{
			{SchemaVersion: 1, Kind: toolevent.KindRequest, Tool: "fs.read", ID: "t1"},
			{SchemaVersion: 1, Kind: toolevent.KindResult, Tool: "fs.read", ID: "t1"},
		},
	}

	if err := s.RecordRun(ctx, "run-1", time.Now(), outcome); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	events, err := s.LoadEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != toolevent.KindRequest || events[1].Kind != toolevent.KindResult {
		t.Fatalf("unexpected event order/kinds: %+v", events)
	}
}

func TestUnminedRunsAndMarkMined(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	normal := supervisor.Outcome{Reason: supervisor.ReasonNormal}
	stalled := supervisor.Outcome{Reason: supervisor.ReasonStdinBroken}

	if err := s.RecordRun(ctx, "run-a", time.Now(), normal); err != nil {
		t.Fatalf("RecordRun run-a: %v", err)
	}
	if err := s.RecordRun(ctx, "run-b", time.Now(), stalled); err != nil {
		t.Fatalf("RecordRun run-b: %v", err)
	}

	ids, err := s.UnminedRuns(ctx, 10)
	if err != nil {
		t.Fatalf("UnminedRuns: %v", err)
	}
	if len(ids) != 1 || ids[0] != "run-a" {
		t.Fatalf("expected only run-a as unmined normal run, got %v", ids)
	}

	if err := s.MarkMined(ctx, "run-a"); err != nil {
		t.Fatalf("MarkMined: %v", err)
	}

	ids, err = s.UnminedRuns(ctx, 10)
	if err != nil {
		t.Fatalf("UnminedRuns after mark: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no unmined runs after marking, got %v", ids)
	}
}

func TestRecordRunUpsertsOnConflict(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	first := supervisor.Outcome{Reason: supervisor.ReasonNormal, ExitCode: 1}
	second := supervisor.Outcome{Reason: supervisor.ReasonNormal, ExitCode: 0}

	if err := s.RecordRun(ctx, "run-x", time.Now(), first); err != nil {
		t.Fatalf("first RecordRun: %v", err)
	}
	if err := s.RecordRun(ctx, "run-x", time.Now(), second); err != nil {
		t.Fatalf("second RecordRun: %v", err)
	}

	ids, err := s.UnminedRuns(ctx, 10)
	if err != nil {
		t.Fatalf("UnminedRuns: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected the upsert to keep a single run row, got %v", ids)
	}
}
