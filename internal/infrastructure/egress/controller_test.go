package egress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGraph feeds producer-set snapshots to the controller and records
// tap lifecycle calls. The signaling-facing methods are never reached
// from the controller.
type fakeGraph struct {
	mu       sync.Mutex
	sets     chan domain.ProducerSet
	failed   chan domain.RoomID
	tapCalls int
	released int
	tapErr   error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		sets:   make(chan domain.ProducerSet, 8),
		failed: make(chan domain.RoomID, 8),
	}
}

func (f *fakeGraph) ProducerSets() <-chan domain.ProducerSet { return f.sets }
func (f *fakeGraph) FailedRooms() <-chan domain.RoomID       { return f.failed }

func (f *fakeGraph) Taps(ctx context.Context, set domain.ProducerSet) ([]domain.ProducerTap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tapCalls++
	if f.tapErr != nil {
		return nil, f.tapErr
	}
	taps := make([]domain.ProducerTap, 0, len(set.Producers))
	for i, p := range set.Producers {
		taps = append(taps, domain.ProducerTap{
			ProducerID:  p.ID,
			Kind:        p.Kind,
			Address:     fmt.Sprintf("127.0.0.1:%d", 47000+2*i),
			PayloadType: 96,
		})
	}
	return taps, nil
}

func (f *fakeGraph) ReleaseTaps(ctx context.Context, roomID domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeGraph) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeGraph) CreateTransport(context.Context, domain.RoomID, domain.SessionID, domain.TransportDirection) (ports.TransportInfo, error) {
	return ports.TransportInfo{}, nil
}
func (f *fakeGraph) ConnectTransport(context.Context, domain.SessionID, domain.TransportID, ports.ConnectParams) (string, error) {
	return "", nil
}
func (f *fakeGraph) CreateProducer(context.Context, domain.SessionID, domain.TransportID, ports.ProduceParams) (domain.ProducerID, error) {
	return "", nil
}
func (f *fakeGraph) CreateConsumer(context.Context, domain.SessionID, domain.TransportID, domain.ProducerID, ports.ReceiverCaps) (ports.ConsumerInfo, error) {
	return ports.ConsumerInfo{}, nil
}
func (f *fakeGraph) ResumeConsumer(context.Context, domain.SessionID, domain.ConsumerID) error {
	return nil
}
func (f *fakeGraph) CloseProducer(context.Context, domain.ProducerID) error  { return nil }
func (f *fakeGraph) CloseConsumer(context.Context, domain.ConsumerID) error  { return nil }
func (f *fakeGraph) TeardownSession(context.Context, domain.RoomID, domain.SessionID) error {
	return nil
}
func (f *fakeGraph) RoomProducers(domain.RoomID) domain.ProducerSet { return domain.ProducerSet{} }

type fakeProcess struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
	err     error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Stop(timeout time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// exit simulates the process dying on its own.
func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

type fakeRunner struct {
	mu       sync.Mutex
	startErr error
	attempts int
	started  chan *fakeProcess
	lastSpec ProcessSpec
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan *fakeProcess, 8)}
}

func (r *fakeRunner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	r.mu.Lock()
	r.attempts++
	r.lastSpec = spec
	err := r.startErr
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	proc := newFakeProcess()
	r.started <- proc
	return proc, nil
}

func (r *fakeRunner) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *fakeRunner) spec() ProcessSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSpec
}

func waitForProcess(t *testing.T, r *fakeRunner) *fakeProcess {
	t.Helper()
	select {
	case proc := <-r.started:
		return proc
	case <-time.After(2 * time.Second):
		t.Fatal("segmenter process never started")
		return nil
	}
}

func waitForState(t *testing.T, c *Controller, roomID domain.RoomID, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.State(roomID) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state never reached %q, stuck at %q", want, c.State(roomID))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func producerSet(roomID domain.RoomID, n int) domain.ProducerSet {
	set := domain.ProducerSet{RoomID: roomID}
	for i := 0; i < n; i++ {
		set.Producers = append(set.Producers, domain.ProducerRecord{
			ID:     domain.ProducerID(fmt.Sprintf("prod-%d", i)),
			RoomID: roomID,
			Kind:   domain.KindVideo,
		})
	}
	return set
}

func startController(t *testing.T, graph *fakeGraph, runner *fakeRunner) *Controller {
	t.Helper()
	c := NewController(Config{
		OutputDir:       t.TempDir(),
		SegmentDuration: 4 * time.Second,
		PlaylistLength:  6,
		CoalesceWindow:  20 * time.Millisecond,
		StopTimeout:     time.Second,
	}, graph, runner, nil, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestPipeline_StartsOnFirstProducerSet(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := startController(t, graph, runner)

	graph.sets <- producerSet("room-1", 2)

	waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	assert.Len(t, runner.spec().Taps, 2)
	assert.Equal(t, domain.RoomID("room-1"), runner.spec().RoomID)
}

func TestPipeline_CoalescesBurstsIntoOneStart(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := startController(t, graph, runner)

	for i := 1; i <= 4; i++ {
		graph.sets <- producerSet("room-1", i)
	}

	waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	// The debounce window absorbed the burst; only the newest snapshot
	// reached the runner.
	assert.Equal(t, 1, runner.attemptCount())
	assert.Len(t, runner.spec().Taps, 4)
}

func TestPipeline_EmptySetStopsProcess(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := startController(t, graph, runner)

	graph.sets <- producerSet("room-1", 1)
	proc := waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	graph.sets <- domain.ProducerSet{RoomID: "room-1"}
	waitForState(t, c, "room-1", StateIdle)

	assert.True(t, proc.wasStopped())
	assert.GreaterOrEqual(t, graph.releaseCount(), 1)
}

func TestPipeline_RestartsAfterUnexpectedExit(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := startController(t, graph, runner)

	graph.sets <- producerSet("room-1", 1)
	proc := waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	proc.exit(fmt.Errorf("exit status 1"))

	replacement := waitForProcess(t, runner)
	require.NotSame(t, proc, replacement)
	waitForState(t, c, "room-1", StateRunning)
	assert.Equal(t, 2, runner.attemptCount())
}

func TestPipeline_StartFailureEndsIdleAfterRetries(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	runner.startErr = fmt.Errorf("ffmpeg not found")
	c := startController(t, graph, runner)

	graph.sets <- producerSet("room-1", 1)

	// State reads idle both before the pipeline spins up and after it
	// gives up, so wait for the retries to happen first.
	deadline := time.After(5 * time.Second)
	for runner.attemptCount() < 4 {
		select {
		case <-deadline:
			t.Fatalf("expected 4 start attempts, got %d", runner.attemptCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
	waitForState(t, c, "room-1", StateIdle)

	// Taps were released after every failed attempt.
	assert.Equal(t, runner.attemptCount(), graph.releaseCount())
}

func TestStopAll_StopsRunningProcesses(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := startController(t, graph, runner)

	graph.sets <- producerSet("room-1", 1)
	proc := waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.StopAll(ctx)

	assert.True(t, proc.wasStopped())
	assert.Equal(t, StateIdle, c.State("room-1"))
}

func TestState_UnknownRoomIsIdle(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	c := NewController(Config{OutputDir: t.TempDir()}, graph, runner, nil, zap.NewNop().Sugar())

	assert.Equal(t, StateIdle, c.State("nowhere"))
	assert.Empty(t, c.States())
}

// fakeEgressMetrics records per-room state flips and restart counts.
type fakeEgressMetrics struct {
	mu       sync.Mutex
	states   map[domain.RoomID][]string
	restarts map[domain.RoomID]int
}

func newFakeEgressMetrics() *fakeEgressMetrics {
	return &fakeEgressMetrics{
		states:   make(map[domain.RoomID][]string),
		restarts: make(map[domain.RoomID]int),
	}
}

func (m *fakeEgressMetrics) SetEgressState(roomID domain.RoomID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[roomID] = append(m.states[roomID], state)
}

func (m *fakeEgressMetrics) RecordEgressRestart(roomID domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts[roomID]++
}

func (m *fakeEgressMetrics) seen(roomID domain.RoomID) ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.states[roomID]...), m.restarts[roomID]
}

func TestPipeline_ReportsStateAndRestarts(t *testing.T) {
	graph := newFakeGraph()
	runner := newFakeRunner()
	metrics := newFakeEgressMetrics()

	c := NewController(Config{
		OutputDir:      t.TempDir(),
		CoalesceWindow: 20 * time.Millisecond,
		StopTimeout:    time.Second,
	}, graph, runner, metrics, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	graph.sets <- producerSet("room-1", 1)
	proc := waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	states, restarts := metrics.seen("room-1")
	assert.Contains(t, states, StateStarting)
	assert.Contains(t, states, StateRunning)
	assert.Equal(t, 0, restarts)

	proc.exit(fmt.Errorf("segmenter crashed"))
	waitForProcess(t, runner)
	waitForState(t, c, "room-1", StateRunning)

	_, restarts = metrics.seen("room-1")
	assert.Equal(t, 1, restarts)
}
