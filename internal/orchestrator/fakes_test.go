package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/persistence"
	"github.com/pyrex41/descartes-sub000/internal/specbuilder"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
	"github.com/pyrex41/descartes-sub000/internal/verify"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
)

// journal is an ordered log shared by the fakes, used to check the order
// of claims, status writes and commits.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// memTasks is an in-memory task store. It records every claim that would
// break wave order.
type memTasks struct {
	mu         sync.Mutex
	g          *taskgraph.Graph
	log        *journal
	violations []string
	statsErr   error
}

func newMemTasks(t *testing.T, log *journal, tasks ...taskgraph.Task) *memTasks {
	t.Helper()
	for i := range tasks {
		if tasks[i].Status == "" {
			tasks[i].Status = taskgraph.StatusPending
		}
	}
	g, err := taskgraph.NewGraph(tasks)
	require.NoError(t, err)
	return &memTasks{g: g, log: log}
}

func (m *memTasks) Stats(context.Context, string) (taskgraph.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return taskgraph.Stats{}, m.statsErr
	}
	return m.g.Stats(), nil
}

func (m *memTasks) Waves(context.Context, string) ([]taskgraph.Wave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.g.Waves()
}

func (m *memTasks) NextReadyTask(context.Context, string) (*taskgraph.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.g.NextReady()
}

// idOrderedTasks answers next with the lowest-id ready task of any wave,
// the way a store ordering by id would.
type idOrderedTasks struct {
	*memTasks
}

func (m idOrderedTasks) NextReadyTask(context.Context, string) (*taskgraph.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.g.Tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	for _, t := range tasks {
		if t.Status != taskgraph.StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if d, ok := m.g.Get(dep); !ok || d.Status != taskgraph.StatusDone {
				ready = false
			}
		}
		if ready {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memTasks) Claim(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	waves, err := m.g.Waves()
	if err != nil {
		return err
	}
	wave := waveOf(waves, id)
	for _, w := range waves {
		if w.Number >= wave {
			break
		}
		for _, t := range w.Tasks {
			if t.Status == taskgraph.StatusPending || t.Status == taskgraph.StatusInProgress {
				m.violations = append(m.violations, fmt.Sprintf("claimed %s (wave %d) while %s (wave %d) is %s", id, wave, t.ID, w.Number, t.Status))
			}
		}
	}
	m.log.add("claim:%s", id)
	return m.g.SetStatus(id, taskgraph.StatusInProgress)
}

func (m *memTasks) MarkDone(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.add("done:%s", id)
	return m.g.SetStatus(id, taskgraph.StatusDone)
}

func (m *memTasks) MarkBlocked(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.add("blocked:%s", id)
	return m.g.SetStatus(id, taskgraph.StatusBlocked)
}

func (m *memTasks) status(id string) taskgraph.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.g.Get(id)
	return t.Status
}

// reply is one scripted agent response. pass decides the verification
// result that follows it.
type reply struct {
	output string
	pass   bool
	err    error
}

func succeed() reply { return reply{output: "done\n" + verdict.CompleteSentinel, pass: true} }

func failVerify() reply { return reply{output: "I think it works\n" + verdict.CompleteSentinel} }

func blocked(reason string) reply {
	return reply{output: verdict.BlockedSentinel + " " + reason}
}

var taskHeading = regexp.MustCompile(`(?m)^# Task ([^:]+):`)

// agents scripts the implementer per task and plays the verification
// command: an attempt passes verification when its reply says so.
type agents struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
	prompts map[string][]string
	pass    map[string]bool
	verifs  int
	// hook runs after every invocation, outside the lock.
	hook func(ctx context.Context, taskID string, call int)
}

func newAgents() *agents {
	return &agents{
		replies: map[string][]reply{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
		pass:    map[string]bool{},
	}
}

// script sets the replies for taskID. The last reply repeats; a task
// without a script always succeeds.
func (a *agents) script(taskID string, replies ...reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[taskID] = replies
}

func (a *agents) factory(dir string) (backend.Invoker, error) {
	return backend.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		id := "?"
		if m := taskHeading.FindStringSubmatch(prompt); m != nil {
			id = m[1]
		}

		a.mu.Lock()
		n := a.calls[id]
		a.calls[id] = n + 1
		a.prompts[id] = append(a.prompts[id], prompt)
		r := succeed()
		if rs := a.replies[id]; len(rs) > 0 {
			r = rs[min(n, len(rs)-1)]
		}
		a.pass[dir] = r.pass
		hook := a.hook
		a.mu.Unlock()

		if hook != nil {
			hook(ctx, id, n+1)
		}
		return r.output, r.err
	}), nil
}

func (a *agents) RunIn(_ context.Context, dir string) (verify.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifs++
	if a.pass[dir] {
		return verify.Result{Command: "make test", Passed: true}, nil
	}
	return verify.Result{Command: "make test", ExitCode: 1, Stdout: "--- FAIL: TestThing\n", Stderr: "exit status 1\n"}, nil
}

func (a *agents) callCount(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[taskID]
}

func (a *agents) promptsFor(taskID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts[taskID]...)
}

// tuner answers every request with a numbered refinement.
type tuner struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (t *tuner) Invoke(_ context.Context, prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	t.prompts = append(t.prompts, prompt)
	return fmt.Sprintf("The tests were not run.\nREFINEMENT: run the tests before finishing (hint %d)", len(t.prompts)), nil
}

func (t *tuner) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prompts)
}

// fakeWorkspace records snapshots, restores and commits.
type fakeWorkspace struct {
	mu       sync.Mutex
	log      *journal
	snaps    int
	restores []workspace.Snapshot
	commits  []string
}

func (w *fakeWorkspace) Snapshot(context.Context) (workspace.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snaps++
	return workspace.Snapshot(fmt.Sprintf("snap-%d", w.snaps)), nil
}

func (w *fakeWorkspace) Restore(_ context.Context, snap workspace.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restores = append(w.restores, snap)
	return nil
}

func (w *fakeWorkspace) Diff(context.Context, workspace.Snapshot) (string, error) {
	return "--- a/main.go\n+++ b/main.go\n", nil
}

func (w *fakeWorkspace) Commit(_ context.Context, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits = append(w.commits, message)
	hash := fmt.Sprintf("c%04d", len(w.commits))
	if w.log != nil {
		w.log.add("commit:%s", message)
	}
	return hash, nil
}

func (w *fakeWorkspace) restoreCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.restores)
}

// harness wires a Controller to fakes for every port.
type harness struct {
	t       *testing.T
	dir     string
	log     *journal
	tasks   *memTasks
	agents  *agents
	tuner   *tuner
	ws      *fakeWorkspace
	store   *state.Store
	history *persistence.SQLiteStore
	bus     *events.EventBus
	deps    Deps
}

func newHarness(t *testing.T, tasks ...taskgraph.Task) *harness {
	t.Helper()
	dir := t.TempDir()
	log := &journal{}

	history, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	h := &harness{
		t:       t,
		dir:     dir,
		log:     log,
		tasks:   newMemTasks(t, log, tasks...),
		agents:  newAgents(),
		tuner:   &tuner{},
		ws:      &fakeWorkspace{log: log},
		store:   state.NewStore(dir, ""),
		history: history,
		bus:     events.NewEventBus(),
	}
	h.deps = Deps{
		Tasks:     h.tasks,
		Agents:    h.agents.factory,
		Tuner:     h.tuner,
		Workspace: h.ws,
		Verifier:  h.agents,
		State:     h.store,
		History:   h.history,
		Bus:       h.bus,
	}
	return h
}

func (h *harness) controller() *Controller {
	h.t.Helper()
	c, err := NewController(h.deps)
	require.NoError(h.t, err)
	return c
}

func (h *harness) options() state.Options {
	return state.Options{
		Tag:             "demo",
		WorkDir:         h.dir,
		VerifyCommand:   "make test",
		MaxIterations:   100,
		TuneEnabled:     true,
		MaxTuneAttempts: 3,
		TuneIncludeDiff: true,
		AutoCommit:      true,
		Concurrency:     1,
		AgentTimeout:    time.Minute,
		Spec:            specbuilder.DefaultConfig(),
	}
}

func (h *harness) attempts(runID, taskID string) []persistence.AttemptRecord {
	h.t.Helper()
	records, err := h.history.ListAttempts(context.Background(), runID, taskID)
	require.NoError(h.t, err)
	return records
}

func tasksNoDeps(ids ...string) []taskgraph.Task {
	out := make([]taskgraph.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, taskgraph.Task{ID: id, Title: "Task " + id})
	}
	return out
}
