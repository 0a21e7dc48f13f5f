package monitor

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/handoff"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

// fakeBackend reports liveness from a map and records nothing.
type fakeBackend struct {
	alive  map[string]bool
	output string
}

func (f *fakeBackend) SpawnSession(*model.Stage, string, *model.Session, string) error {
	return nil
}
func (f *fakeBackend) SpawnMergeSession(*model.Stage, *model.Session, string, string) error {
	return nil
}
func (f *fakeBackend) KillSession(*model.Session) error { return nil }
func (f *fakeBackend) SessionIsAlive(s *model.Session) bool {
	return f.alive[s.ID]
}
func (f *fakeBackend) AttachCommand(*model.Session) ([]string, error) { return nil, nil }
func (f *fakeBackend) Name() string                                   { return "fake" }
func (f *fakeBackend) CaptureOutput(*model.Session) (string, error)   { return f.output, nil }

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PollIntervalSecs:         5,
		HungTimeoutSecs:          120,
		ContextWarningThreshold:  0.75,
		ContextCriticalThreshold: 0.85,
	}
}

func newMonitor(t *testing.T) (*Monitor, *store.Store, *fakeBackend) {
	t.Helper()
	st := store.New(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{alive: make(map[string]bool)}
	m := New(st, fb, testConfig(), 3, logging.Discard())
	return m, st, fb
}

func saveStage(t *testing.T, st *store.Store, id string, status model.StageStatus) *model.Stage {
	t.Helper()
	s, err := model.NewStage(id, id)
	if err != nil {
		t.Fatal(err)
	}
	s.Status = status
	if err := st.SaveStage(s); err != nil {
		t.Fatal(err)
	}
	return s
}

// writeHeartbeat plays the agent's role: heartbeats are agent-authored
// JSON the store only reads.
func writeHeartbeat(t *testing.T, st *store.Store, hb *model.Heartbeat) {
	t.Helper()
	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(st.HeartbeatPath(hb.StageID), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestStageCompletionDetected(t *testing.T) {
	m, st, _ := newMonitor(t)
	stage := saveStage(t, st, "stage-a", model.StatusExecuting)
	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Fatalf("unexpected events on first scan: %v", kinds(got))
	}

	stage.Status = model.StatusCompleted
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventStageCompleted || events[0].StageID != "stage-a" {
		t.Fatalf("events = %v", kinds(events))
	}

	// No repeat while the status stays put.
	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Errorf("completion re-reported: %v", kinds(got))
	}
}

func TestMergeResolutionDetected(t *testing.T) {
	m, st, _ := newMonitor(t)
	stage := saveStage(t, st, "stage-b", model.StatusMergeConflict)
	m.Scan()
	m.Drain()

	stage.Status = model.StatusCompleted
	stage.Merged = true
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventMergeSessionCompleted {
		t.Fatalf("events = %v", kinds(events))
	}
}

func TestCrashedSessionEscalates(t *testing.T) {
	m, st, fb := newMonitor(t)
	saveStage(t, st, "stage-c", model.StatusExecuting)

	for i := 0; i < 3; i++ {
		sess := model.NewSession("stage-c", model.SessionTypeStage)
		sess.Status = model.SessionRunning
		sess.TmuxSession = "loom-stage-c"
		if err := st.SaveSession(sess); err != nil {
			t.Fatal(err)
		}
		fb.alive[sess.ID] = false
		fb.output = "thread panicked at src/main.rs"

		m.Scan()
		events := m.Drain()
		if len(events) != 1 || events[0].Kind != EventSessionCrashed {
			t.Fatalf("iteration %d: events = %v", i, kinds(events))
		}
		wantEscalate := i == 2
		if events[0].Escalate != wantEscalate {
			t.Errorf("iteration %d: escalate = %v, want %v", i, events[0].Escalate, wantEscalate)
		}
		if i == 0 && events[0].Evidence == "" {
			t.Error("crash event carries no evidence")
		}

		loaded, err := st.LoadSession(sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Status != model.SessionCrashed {
			t.Errorf("session status = %s", loaded.Status)
		}
	}
}

func TestCleanExitIsNotACrash(t *testing.T) {
	m, st, fb := newMonitor(t)
	saveStage(t, st, "stage-d", model.StatusCompleted)
	sess := model.NewSession("stage-d", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	sess.TmuxSession = "loom-stage-d"
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	fb.alive[sess.ID] = false

	m.Scan()
	for _, e := range m.Drain() {
		if e.Kind == EventSessionCrashed {
			t.Error("clean exit reported as crash")
		}
	}
	loaded, _ := st.LoadSession(sess.ID)
	if loaded.Status != model.SessionCompleted {
		t.Errorf("session status = %s, want completed", loaded.Status)
	}
}

func TestMergeSessionExitFiresEvent(t *testing.T) {
	m, st, fb := newMonitor(t)
	saveStage(t, st, "stage-e", model.StatusMergeConflict)
	sess := model.NewMergeSession("stage-e", "loom/stage-e", "main")
	sess.Status = model.SessionRunning
	sess.TmuxSession = "loom-merge-stage-e"
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	fb.alive[sess.ID] = false

	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventMergeSessionCompleted {
		t.Fatalf("events = %v", kinds(events))
	}
}

func TestContextThresholdsFireOnce(t *testing.T) {
	m, st, _ := newMonitor(t)
	saveStage(t, st, "stage-f", model.StatusExecuting)
	sess := model.NewSession("stage-f", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	hb := &model.Heartbeat{
		SessionID:     sess.ID,
		StageID:       "stage-f",
		LastUpdate:    time.Now().UTC(),
		ContextTokens: 160_000,
		ContextLimit:  200_000,
		Status:        model.HeartbeatWorking,
	}
	writeHeartbeat(t, st, hb)

	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventContextWarning {
		t.Fatalf("events = %v", kinds(events))
	}
	if events[0].ContextUsage != 0.8 {
		t.Errorf("usage = %v", events[0].ContextUsage)
	}

	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Fatalf("warning re-fired: %v", kinds(got))
	}

	hb.ContextTokens = 180_000
	hb.LastUpdate = time.Now().UTC()
	writeHeartbeat(t, st, hb)
	m.Scan()
	events = m.Drain()
	if len(events) != 1 || events[0].Kind != EventContextCritical {
		t.Fatalf("events = %v", kinds(events))
	}
}

func TestHungSessionDetected(t *testing.T) {
	m, st, fb := newMonitor(t)
	saveStage(t, st, "stage-g", model.StatusExecuting)
	sess := model.NewSession("stage-g", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	sess.TmuxSession = "loom-stage-g"
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	fb.alive[sess.ID] = true

	hb := &model.Heartbeat{
		SessionID:  sess.ID,
		StageID:    "stage-g",
		LastUpdate: time.Now().UTC().Add(-10 * time.Minute),
		Status:     model.HeartbeatWorking,
	}
	writeHeartbeat(t, st, hb)

	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventSessionHung {
		t.Fatalf("events = %v", kinds(events))
	}

	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Errorf("hang re-reported: %v", kinds(got))
	}
}

func TestPreexistingHandoffNotReplayed(t *testing.T) {
	m, st, _ := newMonitor(t)
	saveStage(t, st, "stage-j", model.StatusExecuting)
	sess := model.NewSession("stage-j", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	writeHeartbeat(t, st, &model.Heartbeat{
		SessionID:  sess.ID,
		StageID:    "stage-j",
		LastUpdate: time.Now().UTC(),
		Status:     model.HeartbeatWorking,
	})

	// A handoff written before this monitor existed was already acted
	// on; a restart must not kill the continuation session over it.
	hs := handoff.NewStore(st.Root())
	if _, err := hs.Write(&handoff.Document{StageID: "stage-j", SessionID: sess.ID}); err != nil {
		t.Fatal(err)
	}

	m.Scan()
	for _, e := range m.Drain() {
		if e.Kind == EventNeedsHandoff {
			t.Fatalf("stale handoff replayed: %+v", e)
		}
	}

	// A handoff written after the first scan still fires.
	path, err := hs.Write(&handoff.Document{StageID: "stage-j", SessionID: sess.ID})
	if err != nil {
		t.Fatal(err)
	}
	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventNeedsHandoff {
		t.Fatalf("events = %v", kinds(events))
	}
	if events[0].HandoffPath != path {
		t.Errorf("handoff path = %q, want %q", events[0].HandoffPath, path)
	}
}

func TestRemovedHandoffsDoNotBreakScan(t *testing.T) {
	m, st, _ := newMonitor(t)
	saveStage(t, st, "stage-k", model.StatusExecuting)
	sess := model.NewSession("stage-k", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	hb := &model.Heartbeat{
		SessionID:  sess.ID,
		StageID:    "stage-k",
		LastUpdate: time.Now().UTC(),
		Status:     model.HeartbeatWorking,
	}
	writeHeartbeat(t, st, hb)
	m.Scan()
	m.Drain()

	hs := handoff.NewStore(st.Root())
	path, err := hs.Write(&handoff.Document{StageID: "stage-k", SessionID: sess.ID})
	if err != nil {
		t.Fatal(err)
	}
	m.Scan()
	m.Drain()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Fatalf("events after handoff removal: %v", kinds(got))
	}
}

func TestIdleHeartbeatFiresOncePerEpisode(t *testing.T) {
	m, st, _ := newMonitor(t)
	saveStage(t, st, "stage-i", model.StatusExecuting)
	sess := model.NewSession("stage-i", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	hb := &model.Heartbeat{
		SessionID:    sess.ID,
		StageID:      "stage-i",
		LastUpdate:   time.Now().UTC(),
		LastActivity: "asked which migration strategy to use",
		Status:       model.HeartbeatIdle,
	}
	writeHeartbeat(t, st, hb)

	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventWaitingForInput {
		t.Fatalf("events = %v", kinds(events))
	}
	if events[0].Evidence != hb.LastActivity {
		t.Errorf("evidence = %q", events[0].Evidence)
	}

	m.Scan()
	if got := m.Drain(); len(got) != 0 {
		t.Fatalf("idle re-reported: %v", kinds(got))
	}

	hb.Status = model.HeartbeatWorking
	hb.LastUpdate = time.Now().UTC()
	writeHeartbeat(t, st, hb)
	m.Scan()
	events = m.Drain()
	if len(events) != 1 || events[0].Kind != EventInputReceived {
		t.Fatalf("events = %v", kinds(events))
	}

	// A new idle episode reports again.
	hb.Status = model.HeartbeatIdle
	hb.LastUpdate = time.Now().UTC()
	writeHeartbeat(t, st, hb)
	m.Scan()
	events = m.Drain()
	if len(events) != 1 || events[0].Kind != EventWaitingForInput {
		t.Fatalf("events = %v", kinds(events))
	}
}

func TestHandoffDetected(t *testing.T) {
	m, st, _ := newMonitor(t)
	saveStage(t, st, "stage-h", model.StatusExecuting)
	sess := model.NewSession("stage-h", model.SessionTypeStage)
	sess.Status = model.SessionRunning
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	hb := &model.Heartbeat{
		SessionID:  sess.ID,
		StageID:    "stage-h",
		LastUpdate: time.Now().UTC(),
		Status:     model.HeartbeatWorking,
	}
	writeHeartbeat(t, st, hb)

	m.Scan()
	m.Drain()

	hs := handoff.NewStore(st.Root())
	path, err := hs.Write(&handoff.Document{StageID: "stage-h", SessionID: sess.ID})
	if err != nil {
		t.Fatal(err)
	}

	m.Scan()
	events := m.Drain()
	if len(events) != 1 || events[0].Kind != EventNeedsHandoff {
		t.Fatalf("events = %v", kinds(events))
	}
	if events[0].HandoffPath != path {
		t.Errorf("handoff path = %q, want %q", events[0].HandoffPath, path)
	}
}
