package orchestrator

import (
	"testing"

	"github.com/loomworks/loom/internal/model"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		evidence string
		want     model.FailureType
	}{
		{"--- FAIL: TestParser (0.01s)\ntest failed", model.FailureTest},
		{"error: cannot find symbol Foo", model.FailureBuild},
		{"cargo build exited with status 101", model.FailureBuild},
		{"command timed out after 300s", model.FailureTimeout},
		{"process killed by the kernel", model.FailureSessionCrash},
		{"received signal 9", model.FailureSessionCrash},
		{"thread 'main' panicked at src/lib.rs", model.FailureCodeError},
		{"Traceback (most recent call last):", model.FailureCodeError},
		{"merge conflict in src/shared.go", model.FailureMergeConflict},
		{"context exhausted, wrote handoff", model.FailureContextExhausted},
		{"something inexplicable", model.FailureUnknown},
		{"", model.FailureUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyFailure(tt.evidence); got != tt.want {
			t.Errorf("ClassifyFailure(%q) = %s, want %s", tt.evidence, got, tt.want)
		}
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Evidence mentioning both tests and a timeout classifies as a test
	// failure because that rule comes first.
	got := ClassifyFailure("test FAILed after the build timed out")
	if got != model.FailureTest {
		t.Errorf("got %s, want %s", got, model.FailureTest)
	}
}

func TestShouldRetry(t *testing.T) {
	stage, err := model.NewStage("s", "s")
	if err != nil {
		t.Fatal(err)
	}

	if shouldRetry(stage, model.FailureTest) {
		t.Error("test failures must not auto-retry")
	}
	if shouldRetry(stage, model.FailureBuild) {
		t.Error("build failures must not auto-retry")
	}
	if !shouldRetry(stage, model.FailureTimeout) {
		t.Error("timeouts retry")
	}
	if !shouldRetry(stage, model.FailureSessionCrash) {
		t.Error("crashes retry")
	}

	// Unknown failures retry once, regardless of max_retries.
	if !shouldRetry(stage, model.FailureUnknown) {
		t.Error("first unknown failure retries")
	}
	stage.RetryCount = 1
	if shouldRetry(stage, model.FailureUnknown) {
		t.Error("unknown failures cap at one retry")
	}
	if !shouldRetry(stage, model.FailureTimeout) {
		t.Error("timeout still under default max retries")
	}
	stage.RetryCount = 3
	if shouldRetry(stage, model.FailureTimeout) {
		t.Error("retry count at limit must stop")
	}
}
