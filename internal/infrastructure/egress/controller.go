package egress

import (
	"context"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/pkg/retry"

	"go.uber.org/zap"
)

// Pipeline states.
const (
	StateIdle       = "idle"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopping   = "stopping"
)

// Config holds egress controller settings.
type Config struct {
	OutputDir       string
	SegmentDuration time.Duration
	PlaylistLength  int
	CoalesceWindow  time.Duration
	StopTimeout     time.Duration
}

// Metrics receives pipeline state observations; nil disables them.
type Metrics interface {
	SetEgressState(roomID domain.RoomID, state string)
	RecordEgressRestart(roomID domain.RoomID)
}

// Controller keeps one segmenter process per room in sync with the
// room's producer set. Rooms are independent; within a room, state
// transitions are serialized on the pipeline goroutine.
type Controller struct {
	cfg     Config
	graph   ports.MediaGraph
	runner  ProcessRunner
	metrics Metrics
	logger  *zap.SugaredLogger

	mu        sync.RWMutex
	pipelines map[domain.RoomID]*pipeline

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewController(cfg Config, graph ports.MediaGraph, runner ProcessRunner, metrics Metrics, logger *zap.SugaredLogger) *Controller {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		graph:     graph,
		runner:    runner,
		metrics:   metrics,
		logger:    logger,
		pipelines: make(map[domain.RoomID]*pipeline),
	}
}

// Run consumes producer-set notifications until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case set, ok := <-c.graph.ProducerSets():
			if !ok {
				return
			}
			c.pipelineFor(ctx, set.RoomID).offer(set)
		}
	}
}

func (c *Controller) pipelineFor(ctx context.Context, roomID domain.RoomID) *pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, exists := c.pipelines[roomID]; exists {
		return p
	}

	p := &pipeline{
		roomID: roomID,
		ctrl:   c,
		sets:   make(chan domain.ProducerSet, 1),
		state:  StateIdle,
	}
	c.pipelines[roomID] = p

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p.run(ctx)
	}()
	return p
}

// State reports a room's pipeline state, idle when the room has no
// pipeline.
func (c *Controller) State(roomID domain.RoomID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, exists := c.pipelines[roomID]; exists {
		return p.currentState()
	}
	return StateIdle
}

// States snapshots every pipeline, for status endpoints and metrics.
func (c *Controller) States() map[domain.RoomID]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.RoomID]string, len(c.pipelines))
	for id, p := range c.pipelines {
		out[id] = p.currentState()
	}
	return out
}

// StopAll shuts down every pipeline and waits for processes to exit.
func (c *Controller) StopAll(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("egress shutdown timed out waiting for pipelines")
	}
}

// pipeline drives one room's segmenter.
type pipeline struct {
	roomID domain.RoomID
	ctrl   *Controller

	// sets is a one-slot mailbox holding the latest snapshot.
	sets chan domain.ProducerSet

	mu    sync.Mutex
	state string

	proc    Process
	lastSet domain.ProducerSet
}

func (p *pipeline) offer(set domain.ProducerSet) {
	for {
		select {
		case p.sets <- set:
			return
		default:
			select {
			case <-p.sets:
			default:
			}
		}
	}
}

func (p *pipeline) currentState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pipeline) setState(s string) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	if m := p.ctrl.metrics; m != nil {
		m.SetEgressState(p.roomID, s)
		if s == StateRestarting {
			m.RecordEgressRestart(p.roomID)
		}
	}
}

func (p *pipeline) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case set := <-p.sets:
			set = p.coalesce(ctx, set)
			p.apply(ctx, set)
		case <-p.procDone():
			p.handleUnexpectedExit(ctx)
		}
	}
}

// coalesce holds the first change for the debounce window, keeping only
// the newest snapshot from any burst that arrives meanwhile.
func (p *pipeline) coalesce(ctx context.Context, latest domain.ProducerSet) domain.ProducerSet {
	timer := time.NewTimer(p.ctrl.cfg.CoalesceWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return latest
		case set := <-p.sets:
			latest = set
		case <-ctx.Done():
			return latest
		}
	}
}

func (p *pipeline) procDone() <-chan struct{} {
	if p.proc == nil {
		return nil
	}
	return p.proc.Done()
}

func (p *pipeline) apply(ctx context.Context, set domain.ProducerSet) {
	if set.Empty() {
		if p.proc != nil {
			p.setState(StateStopping)
			p.stopProcess(ctx)
		}
		p.lastSet = set
		p.setState(StateIdle)
		return
	}

	if p.proc != nil {
		p.setState(StateRestarting)
		p.stopProcess(ctx)
	} else {
		p.setState(StateStarting)
	}

	p.lastSet = set
	p.start(ctx, set)
}

func (p *pipeline) start(ctx context.Context, set domain.ProducerSet) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3

	err := retry.Do(ctx, cfg, func() error {
		taps, err := p.ctrl.graph.Taps(ctx, set)
		if err != nil {
			return err
		}

		proc, err := p.ctrl.runner.Start(ctx, ProcessSpec{
			RoomID:          p.roomID,
			OutputDir:       p.ctrl.cfg.OutputDir,
			SegmentDuration: p.ctrl.cfg.SegmentDuration,
			PlaylistLength:  p.ctrl.cfg.PlaylistLength,
			Taps:            taps,
		})
		if err != nil {
			p.ctrl.graph.ReleaseTaps(ctx, p.roomID)
			return err
		}

		p.proc = proc
		return nil
	})

	if err != nil {
		p.ctrl.logger.Errorw("segmenter start failed",
			"room_id", p.roomID,
			"error", err,
		)
		p.setState(StateIdle)
		return
	}

	p.setState(StateRunning)
	p.ctrl.logger.Infow("egress running",
		"room_id", p.roomID,
		"producers", len(set.Producers),
	)
}

func (p *pipeline) stopProcess(ctx context.Context) {
	if p.proc == nil {
		return
	}
	if err := p.proc.Stop(p.ctrl.cfg.StopTimeout); err != nil {
		p.ctrl.logger.Warnw("segmenter stop failed", "room_id", p.roomID, "error", err)
	}
	p.proc = nil
	p.ctrl.graph.ReleaseTaps(ctx, p.roomID)
}

// handleUnexpectedExit restarts the segmenter with the last known set
// when the process dies on its own.
func (p *pipeline) handleUnexpectedExit(ctx context.Context) {
	err := p.proc.Err()
	p.proc = nil
	p.ctrl.graph.ReleaseTaps(ctx, p.roomID)

	p.ctrl.logger.Warnw("segmenter exited unexpectedly",
		"room_id", p.roomID,
		"error", err,
	)

	if p.lastSet.Empty() {
		p.setState(StateIdle)
		return
	}

	p.setState(StateRestarting)
	p.start(ctx, p.lastSet)
}

func (p *pipeline) shutdown() {
	if p.proc == nil {
		p.setState(StateIdle)
		return
	}
	p.setState(StateStopping)
	if err := p.proc.Stop(p.ctrl.cfg.StopTimeout); err != nil {
		p.ctrl.logger.Warnw("segmenter stop failed", "room_id", p.roomID, "error", err)
	}
	p.proc = nil
	p.setState(StateIdle)
}
