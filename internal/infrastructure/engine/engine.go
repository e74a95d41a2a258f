package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds media engine settings.
type Config struct {
	Workers    int
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// TapPortBase is the first local UDP port used for plain RTP taps.
	TapPortBase int
}

// Engine is an in-process media engine built on pion. Workers each carry
// their own webrtc.API; rooms get a router pinned to one worker.
type Engine struct {
	cfg     Config
	workers []*worker

	mu         sync.RWMutex
	routers    map[domain.RoomID]*router
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	taps       map[domain.ProducerID]*tap

	tapPorts *portAllocator

	died   chan domain.WorkerID
	closed bool

	logger *zap.SugaredLogger
}

type worker struct {
	id     domain.WorkerID
	api    *webrtc.API
	failed bool
}

type router struct {
	roomID domain.RoomID
	worker *worker
	codecs []webrtc.RTPCodecCapability
}

// routerCodecs are the formats every room router supports.
var routerCodecs = []webrtc.RTPCodecCapability{
	{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

func New(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("engine requires at least one worker")
	}
	if cfg.TapPortBase == 0 {
		cfg.TapPortBase = 47000
	}

	e := &Engine{
		cfg:        cfg,
		routers:    make(map[domain.RoomID]*router),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
		taps:       make(map[domain.ProducerID]*tap),
		tapPorts:   newPortAllocator(cfg.TapPortBase),
		died:       make(chan domain.WorkerID, 4),
		logger:     logger,
	}

	for i := 0; i < cfg.Workers; i++ {
		w, err := e.newWorker(domain.WorkerID(i))
		if err != nil {
			return nil, fmt.Errorf("failed to start engine worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
	}

	logger.Infow("media engine started", "workers", cfg.Workers)
	return e, nil
}

func (e *Engine) newWorker(id domain.WorkerID) (*worker, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if e.cfg.PortRange.Min > 0 && e.cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.cfg.PortRange.Min, e.cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &worker{id: id, api: api}, nil
}

func (e *Engine) WorkerCount() int {
	return len(e.workers)
}

func (e *Engine) Died() <-chan domain.WorkerID {
	return e.died
}

// failWorker marks a worker dead and notifies the coordinator.
func (e *Engine) failWorker(id domain.WorkerID, cause error) {
	e.mu.Lock()
	w := e.workers[int(id)]
	already := w.failed
	w.failed = true
	e.mu.Unlock()

	if already {
		return
	}

	e.logger.Errorw("engine worker failed", "worker", id, "error", cause)
	select {
	case e.died <- id:
	default:
	}
}

func (e *Engine) EnsureRouter(ctx context.Context, roomID domain.RoomID, workerID domain.WorkerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if r, exists := e.routers[roomID]; exists {
		if r.worker.failed {
			return fmt.Errorf("router worker %d is dead", r.worker.id)
		}
		return nil
	}
	if int(workerID) < 0 || int(workerID) >= len(e.workers) {
		return fmt.Errorf("unknown worker %d", workerID)
	}
	w := e.workers[int(workerID)]
	if w.failed {
		return fmt.Errorf("worker %d is dead", workerID)
	}

	e.routers[roomID] = &router{
		roomID: roomID,
		worker: w,
		codecs: routerCodecs,
	}
	e.logger.Infow("router created", "room_id", roomID, "worker", workerID)
	return nil
}

func (e *Engine) CloseRouter(ctx context.Context, roomID domain.RoomID) error {
	e.mu.Lock()
	var victims []*transport
	for _, t := range e.transports {
		if t.roomID == roomID {
			victims = append(victims, t)
		}
	}
	delete(e.routers, roomID)
	e.mu.Unlock()

	for _, t := range victims {
		e.teardownTransport(t)
	}
	return nil
}

func (e *Engine) CreateTransport(ctx context.Context, roomID domain.RoomID, direction domain.TransportDirection) (ports.TransportInfo, error) {
	e.mu.RLock()
	r, exists := e.routers[roomID]
	e.mu.RUnlock()

	if !exists {
		return ports.TransportInfo{}, fmt.Errorf("no router for room %s", roomID)
	}
	if r.worker.failed {
		return ports.TransportInfo{}, fmt.Errorf("router worker %d is dead", r.worker.id)
	}

	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		// A worker whose API can no longer mint peer connections is dead;
		// the coordinator fences every room routed through it.
		e.failWorker(r.worker.id, err)
		return ports.TransportInfo{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		id:        domain.TransportID(uuid.NewString()),
		roomID:    roomID,
		direction: direction,
		pc:        pc,
		engine:    e,
		createdAt: time.Now(),
	}

	if direction == domain.DirectionSend {
		pc.OnTrack(t.handleRemoteTrack)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debugw("transport connection state changed",
			"transport_id", t.id,
			"state", state,
		)
	})

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	return ports.TransportInfo{ID: t.id}, nil
}

// ConnectTransport is one-shot: the second call for the same transport
// fails cleanly instead of renegotiating.
func (e *Engine) ConnectTransport(ctx context.Context, id domain.TransportID, params ports.ConnectParams) (string, error) {
	e.mu.RLock()
	t, exists := e.transports[id]
	e.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("unknown transport %s", id)
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return "", fmt.Errorf("transport %s already connected", id)
	}
	t.connected = true
	t.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: params.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return t.pc.LocalDescription().SDP, nil
}

func (e *Engine) CloseTransport(ctx context.Context, id domain.TransportID) error {
	e.mu.Lock()
	t, exists := e.transports[id]
	if !exists {
		e.mu.Unlock()
		return nil
	}
	delete(e.transports, id)
	e.mu.Unlock()

	e.teardownTransport(t)
	return nil
}

func (e *Engine) teardownTransport(t *transport) {
	// Drop handles the transport invalidates before closing the connection.
	e.mu.Lock()
	for pid, p := range e.producers {
		if p.transportID == t.id {
			p.close()
			delete(e.producers, pid)
		}
	}
	for cid, c := range e.consumers {
		if c.transportID == t.id {
			if p, ok := e.producers[c.producerID]; ok {
				p.removeConsumer(cid)
			}
			delete(e.consumers, cid)
		}
	}
	e.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		e.logger.Warnw("peer connection close failed", "transport_id", t.id, "error", err)
	}
}

func (e *Engine) Produce(ctx context.Context, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	e.mu.RLock()
	t, exists := e.transports[transportID]
	e.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("unknown transport %s", transportID)
	}
	if t.direction != domain.DirectionSend {
		return "", fmt.Errorf("transport %s is not a send transport", transportID)
	}
	if params.Kind != domain.KindAudio && params.Kind != domain.KindVideo {
		return "", fmt.Errorf("unknown media kind %q", params.Kind)
	}

	p := &producer{
		id:          domain.ProducerID(uuid.NewString()),
		transportID: transportID,
		roomID:      t.roomID,
		kind:        params.Kind,
		codec:       codecFor(params),
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	t.registerPendingProducer(p)

	e.logger.Infow("producer registered",
		"producer_id", p.id,
		"transport_id", transportID,
		"kind", params.Kind,
		"mime_type", p.codec.MimeType,
	)

	return p.id, nil
}

func (e *Engine) CloseProducer(ctx context.Context, id domain.ProducerID) error {
	e.mu.Lock()
	p, exists := e.producers[id]
	if exists {
		delete(e.producers, id)
	}
	tapRec, hasTap := e.taps[id]
	if hasTap {
		delete(e.taps, id)
	}
	e.mu.Unlock()

	if hasTap {
		tapRec.close()
		e.tapPorts.release(tapRec.port)
	}
	if exists {
		p.close()
	}
	return nil
}

func (e *Engine) CanConsume(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID, caps ports.ReceiverCaps) (bool, error) {
	e.mu.RLock()
	p, exists := e.producers[producerID]
	e.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("unknown producer %s", producerID)
	}
	if p.roomID != roomID {
		return false, fmt.Errorf("producer %s does not belong to room %s", producerID, roomID)
	}

	for _, mime := range caps.MimeTypes {
		if strings.EqualFold(mime, p.codec.MimeType) {
			return true, nil
		}
	}
	return false, nil
}

// Consume gives the recv transport its own outgoing track for the
// producer. The consumer starts paused: the producer's fan-out skips it
// until ResumeConsumer, so no media reaches the receiver before then.
func (e *Engine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps ports.ReceiverCaps) (ports.ConsumerInfo, error) {
	e.mu.RLock()
	t, tExists := e.transports[transportID]
	p, pExists := e.producers[producerID]
	e.mu.RUnlock()

	if !tExists {
		return ports.ConsumerInfo{}, fmt.Errorf("unknown transport %s", transportID)
	}
	if !pExists {
		return ports.ConsumerInfo{}, fmt.Errorf("unknown producer %s", producerID)
	}
	if t.direction != domain.DirectionRecv {
		return ports.ConsumerInfo{}, fmt.Errorf("transport %s is not a recv transport", transportID)
	}

	ok, err := e.CanConsume(ctx, t.roomID, producerID, caps)
	if err != nil {
		return ports.ConsumerInfo{}, err
	}
	if !ok {
		return ports.ConsumerInfo{}, fmt.Errorf("receiver cannot decode %s", p.codec.MimeType)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		p.codec,
		string(p.kind),
		fmt.Sprintf("stagelink-%s", t.roomID),
	)
	if err != nil {
		return ports.ConsumerInfo{}, fmt.Errorf("failed to create outgoing track: %w", err)
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return ports.ConsumerInfo{}, fmt.Errorf("failed to add track to transport: %w", err)
	}

	c := &consumer{
		id:          domain.ConsumerID(uuid.NewString()),
		transportID: transportID,
		producerID:  producerID,
		kind:        p.kind,
		sender:      sender,
		track:       local,
	}
	c.paused.Store(true)
	p.addConsumer(c)

	// Discard RTCP from the receiver side; pion requires the sender to be
	// drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	return ports.ConsumerInfo{
		ID:         c.id,
		ProducerID: producerID,
		Kind:       p.kind,
		MimeType:   p.codec.MimeType,
		Paused:     true,
	}, nil
}

func (e *Engine) ResumeConsumer(ctx context.Context, id domain.ConsumerID) error {
	e.mu.RLock()
	c, exists := e.consumers[id]
	e.mu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown consumer %s", id)
	}
	c.paused.Store(false)

	e.mu.RLock()
	p, pExists := e.producers[c.producerID]
	e.mu.RUnlock()

	// A fresh keyframe lets the receiver render video immediately.
	if pExists && p.kind == domain.KindVideo {
		p.requestKeyframe()
	}
	return nil
}

func (e *Engine) CloseConsumer(ctx context.Context, id domain.ConsumerID) error {
	e.mu.Lock()
	c, exists := e.consumers[id]
	if exists {
		delete(e.consumers, id)
	}
	e.mu.Unlock()

	if !exists {
		return nil
	}

	e.mu.RLock()
	t, tExists := e.transports[c.transportID]
	p, pExists := e.producers[c.producerID]
	e.mu.RUnlock()

	if pExists {
		p.removeConsumer(id)
	}
	if tExists {
		if err := t.pc.RemoveTrack(c.sender); err != nil {
			e.logger.Warnw("failed to remove consumer track", "consumer_id", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	transports := make([]*transport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	e.transports = make(map[domain.TransportID]*transport)
	taps := e.taps
	e.taps = make(map[domain.ProducerID]*tap)
	e.mu.Unlock()

	for _, tapRec := range taps {
		tapRec.close()
	}
	for _, t := range transports {
		e.teardownTransport(t)
	}

	close(e.died)
	e.logger.Info("media engine closed")
	return nil
}

func codecFor(params ports.ProduceParams) webrtc.RTPCodecCapability {
	if params.MimeType != "" {
		return webrtc.RTPCodecCapability{
			MimeType:  params.MimeType,
			ClockRate: params.ClockRate,
			Channels:  params.Channels,
		}
	}
	if params.Kind == domain.KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}
