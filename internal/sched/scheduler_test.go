package sched

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/invoke"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/notify"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/registry"
	"github.com/ppiankov/vaultbot/internal/session"
	"github.com/ppiankov/vaultbot/internal/state"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
)

// fakeInvoker returns canned results and records requests.
type fakeInvoker struct {
	name   string
	mu     sync.Mutex
	reqs   []invoke.Request
	result invoke.Result
	// respond writes the output file before returning, mimicking a
	// backend that produced a framed response.
	respond string
}

func (f *fakeInvoker) Name() string { return f.name }

func (f *fakeInvoker) Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.OnStart != nil {
		req.OnStart(os.Getpid())
	}
	if f.respond != "" {
		if err := invoke.WriteFramed(filepath.Join(req.TaskDir, req.OutputFile), f.respond); err != nil {
			return nil, err
		}
	}
	res := f.result
	return &res, nil
}

func (f *fakeInvoker) requests() []invoke.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invoke.Request(nil), f.reqs...)
}

type testRig struct {
	s      *Scheduler
	q      *queue.Queue
	cfg    *config.Config
	dirs   state.Dirs
	tokens *tokenstate.Store
	conts  *continuation.Store
	claude *fakeInvoker
	ollama *fakeInvoker
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	cfg := &config.Config{
		VaultDir:          t.TempDir(),
		StateDir:          t.TempDir(),
		SchedulerCycle:    time.Second,
		DefaultMaxTurns:   10,
		DefaultComplexity: 3,
		Backends: map[string]config.Backend{
			"claude": {Name: "claude", Kind: config.KindAPI, Command: "claude", MaxParallel: 2},
			"ollama": {Name: "ollama", Kind: config.KindLocal, Command: "ollama", MaxParallel: 1},
		},
	}
	dirs := cfg.Dirs()
	if err := state.EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}

	q := queue.New(dirs.QueueFile(), dirs.QueueLock())
	locks := lockreg.New(dirs.Locks())
	tokens := tokenstate.New(dirs.TokenStateFile())
	sessions := session.New(dirs.Sessions())
	conts := continuation.New(dirs.Continuations())
	jnl, err := journal.Open(dirs.JournalFile())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = jnl.Close() })

	reg := registry.New(cfg.Backends, locks, tokens, dirs.Complexity(), cfg.DefaultComplexity)
	s := New(cfg, q, reg, locks, tokens, sessions, conts, jnl, notify.Nop{})

	claude := &fakeInvoker{name: "claude", respond: "hosted answer"}
	ollama := &fakeInvoker{name: "ollama", respond: "local answer"}
	s.SetInvoker("claude", claude)
	s.SetInvoker("ollama", ollama)

	return &testRig{s: s, q: q, cfg: cfg, dirs: dirs, tokens: tokens, conts: conts, claude: claude, ollama: ollama}
}

func (r *testRig) writeInput(t *testing.T, task, file, body string) {
	t.Helper()
	dir := filepath.Join(r.cfg.VaultDir, task)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

// cycle runs one scheduler iteration and waits for spawned invocations.
func (r *testRig) cycle(t *testing.T) {
	t.Helper()
	r.s.Cycle(context.Background())
	r.s.wg.Wait()
}

func TestDispatchSuccess(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "001_blog-draft.md", "write an intro\n\n<User>\n")
	if err := r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", ""); err != nil {
		t.Fatal(err)
	}
	r.claude.result = invoke.Result{SessionID: "sess-1", TurnsUsed: 4, ExitCode: invoke.ExitOK}

	r.cycle(t)

	reqs := r.claude.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 claude invocation, got %d", len(reqs))
	}
	if reqs[0].OutputFile != "001_blog-draft_response.md" {
		t.Fatalf("output filename = %q", reqs[0].OutputFile)
	}

	// Response promoted to the next numbered turn; the intermediate
	// artifact is gone.
	data, err := os.ReadFile(filepath.Join(r.cfg.VaultDir, "blog-draft", "002_blog-draft.md"))
	if err != nil {
		t.Fatalf("promoted response missing: %v", err)
	}
	if string(data) != "<!-- CLAUDE-RESPONSE -->\n\nhosted answer\n\n# <User>\n" {
		t.Fatalf("frame mismatch: %q", data)
	}
	if _, err := os.Stat(filepath.Join(r.cfg.VaultDir, "blog-draft", "001_blog-draft_response.md")); !os.IsNotExist(err) {
		t.Fatal("intermediate response artifact must not remain")
	}

	// Audit record and usage written.
	recs, err := journal.ReadRecords(r.dirs.Audit(), "blog-draft")
	if err != nil || len(recs) != 1 {
		t.Fatalf("audit records: %v err=%v", recs, err)
	}
	if recs[0].Backend != "claude" || recs[0].Turns != 4 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	usage, _ := journal.ReadUsage(r.dirs.Usage(), time.Now())
	if usage["claude"].TotalTurns != 4 {
		t.Fatalf("usage = %+v", usage)
	}

	// Lock released, no sentinel.
	if r.s.locks.Check("claude", "blog-draft") {
		t.Fatal("lock still held after completion")
	}
	if r.s.failureSentinelSet("blog-draft", "001_blog-draft.md") {
		t.Fatal("unexpected failure sentinel")
	}
}

func TestComplexityOneRoutesLocal(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "quick-q", "001_quick-q.md", "what is 2+2\n<!-- complexity: 1 -->\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "quick-q", "001_quick-q.md", "")
	r.ollama.result = invoke.Result{TurnsUsed: 1, ExitCode: invoke.ExitOK}

	r.cycle(t)

	if len(r.ollama.requests()) != 1 || len(r.claude.requests()) != 0 {
		t.Fatalf("complexity 1 must run local: ollama=%d claude=%d",
			len(r.ollama.requests()), len(r.claude.requests()))
	}
	if r.ollama.requests()[0].Complexity != 1 {
		t.Fatalf("complexity not passed: %+v", r.ollama.requests()[0])
	}
}

func TestExhaustionRequeuesAndMarks(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "001_blog-draft.md", "go\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", "")
	r.claude.result = invoke.Result{ExitCode: invoke.ExitRateLimited, Exhausted: true, ResetHint: "+3600"}

	r.cycle(t)

	if !r.tokens.IsExhausted("claude") {
		t.Fatal("claude must be marked exhausted")
	}
	reset, ok := r.tokens.ResetAt("claude")
	if !ok || time.Until(reset) < 50*time.Minute {
		t.Fatalf("reset deadline wrong: %v ok=%v", reset, ok)
	}

	// The event went back on the queue; the next cycle parks it in the
	// retry buffer because no hosted backend is available.
	r.cycle(t)
	if len(r.claude.requests()) != 1 {
		t.Fatalf("exhausted backend must not be re-invoked, got %d calls", len(r.claude.requests()))
	}
	if len(r.s.retry) != 1 {
		t.Fatalf("expected 1 parked event, got %d", len(r.s.retry))
	}
}

func TestFailureSetsSentinelAndBlocksRetry(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "001_blog-draft.md", "go\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", "")
	r.claude.result = invoke.Result{ExitCode: invoke.ExitUsage}
	r.claude.respond = ""

	r.cycle(t)

	if !r.s.failureSentinelSet("blog-draft", "001_blog-draft.md") {
		t.Fatal("failure sentinel not set")
	}

	// A duplicate event is dropped by the sentinel.
	_ = r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", "")
	r.cycle(t)
	if n := len(r.claude.requests()); n != 1 {
		t.Fatalf("sentinel must block re-dispatch, got %d calls", n)
	}

	// Success on a later run clears it.
	r.s.clearFailureSentinel("blog-draft", "001_blog-draft.md")
	if r.s.failureSentinelSet("blog-draft", "001_blog-draft.md") {
		t.Fatal("sentinel not cleared")
	}
}

func TestDaemonDownRequeuesWithoutSentinel(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "quick-q", "001_quick-q.md", "hi\n<!-- complexity: 1 -->\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "quick-q", "001_quick-q.md", "")
	r.ollama.result = invoke.Result{ExitCode: invoke.ExitDaemonDown}
	r.ollama.respond = ""

	r.cycle(t)

	if r.s.failureSentinelSet("quick-q", "001_quick-q.md") {
		t.Fatal("daemon-down must not set a failure sentinel")
	}
	// Re-queued: the next cycle tries again.
	r.cycle(t)
	if n := len(r.ollama.requests()); n != 2 {
		t.Fatalf("expected retry after daemon-down, got %d calls", n)
	}
}

func TestMaxTurnContinuation(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "big-task", "001_big-task.md", "refactor everything\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "big-task", "001_big-task.md", "")
	// Full budget burned; the fake writes a framed response whose
	// placeholder is untouched, so the conversation auto-continues.
	r.claude.result = invoke.Result{SessionID: "sess-7", TurnsUsed: 10, ExitCode: invoke.ExitOK}

	r.cycle(t)

	rec, ok := r.conts.Get("big-task")
	if !ok || rec.Count != 1 || rec.SessionID != "sess-7" {
		t.Fatalf("continuation record = %+v ok=%v", rec, ok)
	}

	// The requeued event carries the resume session.
	r.cycle(t)
	reqs := r.claude.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected continuation invocation, got %d calls", len(reqs))
	}
	if reqs[1].ResumeSession != "sess-7" {
		t.Fatalf("resume session not passed: %+v", reqs[1])
	}
	if reqs[1].InputFile != "002_big-task.md" {
		t.Fatalf("continuation must feed the promoted response back: %+v", reqs[1])
	}
}

func TestContinuationStopsUnderBudget(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "big-task", "001_big-task.md", "go\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "big-task", "001_big-task.md", "")
	r.claude.result = invoke.Result{SessionID: "sess-7", TurnsUsed: 3, ExitCode: invoke.ExitOK}

	r.cycle(t)

	if _, ok := r.conts.Get("big-task"); ok {
		t.Fatal("under-budget completion must not mark a continuation")
	}
	r.cycle(t)
	if n := len(r.claude.requests()); n != 1 {
		t.Fatalf("no auto-resume expected, got %d calls", n)
	}
}

func TestContinuationRoundLimit(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "big-task", "001_big-task.md", "go\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "big-task", "001_big-task.md", "")
	r.claude.result = invoke.Result{SessionID: "sess-7", TurnsUsed: 10, ExitCode: invoke.ExitOK}

	// Each cycle burns the full budget and re-queues, until the round
	// limit stops the loop.
	for i := 0; i < continuation.MaxRounds+2; i++ {
		r.cycle(t)
	}

	n := len(r.claude.requests())
	if n != continuation.MaxRounds+1 {
		t.Fatalf("expected %d invocations (initial + %d rounds), got %d",
			continuation.MaxRounds+1, continuation.MaxRounds, n)
	}
	if _, ok := r.conts.Get("big-task"); ok {
		t.Fatal("continuation record must be cleared at the limit")
	}
}

func TestInvalidTaskNameDropped(t *testing.T) {
	r := newTestRig(t)
	_ = r.q.Write(queue.FileReady, "Bad_Name", "001_x.md", "")

	r.cycle(t)

	if len(r.claude.requests())+len(r.ollama.requests()) != 0 {
		t.Fatal("invalid task name must not dispatch")
	}
	if len(r.s.retry) != 0 {
		t.Fatal("invalid task name must not be parked")
	}
}

func TestDryRunSkipsSpawn(t *testing.T) {
	r := newTestRig(t)
	r.cfg.DryRun = true
	r.writeInput(t, "blog-draft", "001_blog-draft.md", "go\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", "")

	r.cycle(t)

	if len(r.claude.requests()) != 0 {
		t.Fatal("dry run must not invoke")
	}
	if r.s.locks.Check("claude", "blog-draft") {
		t.Fatal("dry run must not leave locks behind")
	}
}

func TestStopWithoutRunRescuesAndInvalidates(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "002_blog-draft.md", "partial response text\n\n<Stop>\n")
	if err := r.s.sessions.Put("blog-draft", "sess-9"); err != nil {
		t.Fatal(err)
	}
	_ = r.conts.Mark("blog-draft", "sess-9", 10, 10, "001_blog-draft.md")

	r.s.handleStop(queue.Event{Kind: queue.StopSignal, Task: "blog-draft", File: "002_blog-draft.md"})

	// Partial rescued.
	entries, err := os.ReadDir(r.dirs.Partial())
	if err != nil || len(entries) != 1 {
		t.Fatalf("partial rescue: entries=%v err=%v", entries, err)
	}

	// Session invalidated, continuation cleared.
	if _, ok := r.s.sessions.Get("blog-draft"); ok {
		t.Fatal("session must be invalidated")
	}
	if _, ok := r.conts.Get("blog-draft"); ok {
		t.Fatal("continuation must be cleared")
	}

	// Interruption audited.
	recs, _ := journal.ReadRecords(r.dirs.Audit(), "blog-draft")
	if len(recs) != 1 || !recs[0].Interrupted || recs[0].ExitCode != 130 {
		t.Fatalf("interrupt record wrong: %+v", recs)
	}
}

func TestPromoteSkipsUserWrittenTurn(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "001_blog-draft.md", "go\n\n<User>\n")
	// The user raced ahead and wrote the next turn mid-invocation.
	r.writeInput(t, "blog-draft", "002_blog-draft.md", "follow-up question\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "blog-draft", "001_blog-draft.md", "")
	r.claude.result = invoke.Result{SessionID: "sess-1", TurnsUsed: 2, ExitCode: invoke.ExitOK}

	r.cycle(t)

	// The user's turn is untouched; the response slots in after it.
	data, err := os.ReadFile(filepath.Join(r.cfg.VaultDir, "blog-draft", "002_blog-draft.md"))
	if err != nil || string(data) != "follow-up question\n\n<User>\n" {
		t.Fatalf("user turn overwritten: %q err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(r.cfg.VaultDir, "blog-draft", "003_blog-draft.md")); err != nil {
		t.Fatalf("response not promoted past user turn: %v", err)
	}
}

func TestStopProcessedOnce(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "002_blog-draft.md", "enough\n\n<Stop>\n")
	if err := r.s.sessions.Put("blog-draft", "sess-9"); err != nil {
		t.Fatal(err)
	}

	ev := queue.Event{Kind: queue.StopSignal, Task: "blog-draft", File: "002_blog-draft.md"}
	r.s.handleStop(ev)
	// The watcher keeps re-emitting while <Stop> stays in the latest
	// file; the repeats must be no-ops.
	r.s.handleStop(ev)
	r.s.handleStop(ev)

	entries, err := os.ReadDir(r.dirs.Partial())
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly 1 partial rescue, got %d err=%v", len(entries), err)
	}
	recs, _ := journal.ReadRecords(r.dirs.Audit(), "blog-draft")
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 interrupt record, got %d", len(recs))
	}
}

func TestStopDeferredWhileLockNamesScheduler(t *testing.T) {
	r := newTestRig(t)
	r.writeInput(t, "blog-draft", "002_blog-draft.md", "wait\n\n<Stop>\n")
	// Pre-spawn window: the lock still carries the scheduler's own PID.
	if err := r.s.locks.Acquire("claude", "blog-draft", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	r.s.handleStop(queue.Event{Kind: queue.StopSignal, Task: "blog-draft", File: "002_blog-draft.md"})

	if !r.s.locks.Check("claude", "blog-draft") {
		t.Fatal("lock must survive a deferred stop")
	}
	if r.s.sessions.Invalidated("blog-draft") {
		t.Fatal("deferred stop must not invalidate the session")
	}
	events, err := r.q.Drain()
	if err != nil || len(events) != 1 || events[0].Kind != queue.StopSignal {
		t.Fatalf("stop must be re-queued: %+v err=%v", events, err)
	}
}

func TestLocalSlotExhaustionParksEvent(t *testing.T) {
	r := newTestRig(t)
	// Occupy ollama's single slot with a live lock.
	if err := r.s.locks.Acquire("ollama", "other-task", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	r.writeInput(t, "quick-q", "001_quick-q.md", "hi\n<!-- complexity: 1 -->\n\n<User>\n")
	_ = r.q.Write(queue.FileReady, "quick-q", "001_quick-q.md", "")

	r.cycle(t)

	if len(r.ollama.requests()) != 0 {
		t.Fatal("no free local slot, must not invoke")
	}
	if len(r.s.retry) != 1 {
		t.Fatalf("expected parked event, got %d", len(r.s.retry))
	}

	// Freeing the slot lets the parked event through on a later cycle.
	_ = r.s.locks.Release("ollama", "other-task")
	r.ollama.result = invoke.Result{TurnsUsed: 1, ExitCode: invoke.ExitOK}
	r.cycle(t)
	if len(r.ollama.requests()) != 1 {
		t.Fatalf("parked event not dispatched after slot freed")
	}
}
