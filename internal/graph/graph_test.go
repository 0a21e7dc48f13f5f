package graph

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/model"
)

func mkStage(t *testing.T, id string, deps ...string) *model.Stage {
	t.Helper()
	s, err := model.NewStage(id, id)
	if err != nil {
		t.Fatal(err)
	}
	s.Dependencies = deps
	return s
}

func TestBuildRejectsCycle(t *testing.T) {
	stages := []*model.Stage{
		mkStage(t, "a", "b"),
		mkStage(t, "b", "a"),
	}
	_, err := Build(stages)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "a -> b -> a") && !strings.Contains(msg, "b -> a -> b") {
		t.Errorf("cycle path not named in error: %s", msg)
	}
}

func TestBuildRejectsUnknownDep(t *testing.T) {
	if _, err := Build([]*model.Stage{mkStage(t, "a", "ghost")}); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestBuildRejectsSelfDep(t *testing.T) {
	if _, err := Build([]*model.Stage{mkStage(t, "a", "a")}); err == nil {
		t.Fatal("expected self dependency error")
	}
}

func TestUpdateReadyQueuesRoots(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "a"),
		mkStage(t, "b", "a"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ready := g.UpdateReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ready = %v, want [a]", ready)
	}
	if g.Node("b").Status != NodeWaitingForDeps {
		t.Error("b should still wait")
	}
}

func TestCompletedWithoutMergeDoesNotUnblock(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "a"),
		mkStage(t, "b", "a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	g.UpdateReady()
	g.MarkExecuting("a")

	ready := g.MarkCompleted("a")
	if len(ready) != 0 {
		t.Fatalf("completed-but-unmerged unblocked %v", ready)
	}

	ready = g.MarkMerged("a")
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("ready after merge = %v, want [b]", ready)
	}
}

func TestSkippedDoesNotSatisfy(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "a"),
		mkStage(t, "b", "a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	g.UpdateReady()

	ready := g.MarkSkipped("a")
	if len(ready) != 0 {
		t.Fatalf("skip unblocked %v", ready)
	}
	if g.Node("b").Status != NodeWaitingForDeps {
		t.Errorf("b should wait forever, got %s", g.Node("b").Status)
	}
}

func TestMultiDependencyReadiness(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "a"),
		mkStage(t, "b"),
		mkStage(t, "c", "a", "b"),
	})
	if err != nil {
		t.Fatal(err)
	}
	g.UpdateReady()

	if ready := g.MarkMerged("a"); len(ready) != 0 {
		t.Fatalf("c ready with only one dep merged: %v", ready)
	}
	ready := g.MarkMerged("b")
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("ready = %v, want [c]", ready)
	}
}

func TestInitializesFromDiskStatus(t *testing.T) {
	done := mkStage(t, "a")
	done.Status = model.StatusCompleted
	done.Merged = true

	g, err := Build([]*model.Stage{done, mkStage(t, "b", "a")})
	if err != nil {
		t.Fatal(err)
	}
	ready := g.UpdateReady()
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("ready = %v, want [b]", ready)
	}
}

func TestVerifiedSatisfiesLikeCompleted(t *testing.T) {
	verified := mkStage(t, "a")
	verified.Status = model.StatusVerified
	verified.Merged = true

	g, err := Build([]*model.Stage{verified, mkStage(t, "b", "a")})
	if err != nil {
		t.Fatal(err)
	}
	if ready := g.UpdateReady(); len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("verified dep did not satisfy: %v", ready)
	}
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "z"),
		mkStage(t, "m", "z"),
		mkStage(t, "a", "z"),
		mkStage(t, "end", "m", "a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	order := g.TopologicalOrder()
	want := []string{"z", "a", "m", "end"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestDiamondTopology(t *testing.T) {
	g, err := Build([]*model.Stage{
		mkStage(t, "root"),
		mkStage(t, "left", "root"),
		mkStage(t, "right", "root"),
		mkStage(t, "join", "left", "right"),
	})
	if err != nil {
		t.Fatal(err)
	}
	g.UpdateReady()

	// Mark* sweeps for newly-ready dependents itself; a second sweep
	// finds nothing new.
	ready := g.MarkMerged("root")
	if len(ready) != 2 || ready[0] != "left" || ready[1] != "right" {
		t.Fatalf("ready = %v, want [left right]", ready)
	}
	if again := g.UpdateReady(); len(again) != 0 {
		t.Fatalf("second sweep re-reported: %v", again)
	}

	if ready := g.MarkMerged("left"); len(ready) != 0 {
		t.Fatalf("join ready too early: %v", ready)
	}
	if ready := g.MarkMerged("right"); len(ready) != 1 || ready[0] != "join" {
		t.Fatalf("ready = %v, want [join]", ready)
	}
}
