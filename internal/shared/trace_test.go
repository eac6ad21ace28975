package shared

import (
	"context"
	"testing"
)

func TestTraceID_Absent(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected placeholder trace id, got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
}

func TestPlanTaskRunIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithPlanID(ctx, "p1")
	ctx = WithTaskID(ctx, "t1")
	ctx = WithRunID(ctx, "r1")
	if PlanID(ctx) != "p1" || TaskID(ctx) != "t1" || RunID(ctx) != "r1" {
		t.Fatalf("context ids did not round-trip: %q %q %q", PlanID(ctx), TaskID(ctx), RunID(ctx))
	}
}

func TestNewRunID_Unique(t *testing.T) {
	if NewRunID() == NewRunID() {
		t.Fatal("run ids should be unique")
	}
}
