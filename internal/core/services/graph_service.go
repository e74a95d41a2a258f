package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"go.uber.org/zap"
)

// GraphMetrics receives graph lifecycle observations; nil disables them.
type GraphMetrics interface {
	ObserveEngineOp(op string, duration time.Duration)
	RecordWorkerFailure()
	SetProducersActive(n int)
	SetRoomsActive(n int)
}

// GraphService translates session intents into media engine capability
// calls and keeps a local mirror of transport, producer, and consumer
// handles keyed by owning session. It is the only component allowed to
// mutate engine routers and transports.
type GraphService struct {
	engine    ports.MediaEngine
	opTimeout time.Duration
	metrics   GraphMetrics
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	roomWorkers map[domain.RoomID]domain.WorkerID
	failedRooms map[domain.RoomID]bool
	nextWorker  int

	transports map[domain.TransportID]*domain.TransportRecord
	producers  map[domain.ProducerID]*domain.ProducerRecord
	consumers  map[domain.ConsumerID]*domain.ConsumerRecord
	// sessionLive tracks sessions with at least one handle; consumers that
	// finish creation after their session was torn down are discarded.
	sessionLive map[domain.SessionID]bool
	roomTaps    map[domain.RoomID][]domain.ProducerID

	producerSets chan domain.ProducerSet
	failed       chan domain.RoomID
}

func NewGraphService(engine ports.MediaEngine, opTimeout time.Duration, metrics GraphMetrics, logger *zap.SugaredLogger) *GraphService {
	return &GraphService{
		engine:       engine,
		opTimeout:    opTimeout,
		metrics:      metrics,
		logger:       logger,
		roomWorkers:  make(map[domain.RoomID]domain.WorkerID),
		failedRooms:  make(map[domain.RoomID]bool),
		transports:   make(map[domain.TransportID]*domain.TransportRecord),
		producers:    make(map[domain.ProducerID]*domain.ProducerRecord),
		consumers:    make(map[domain.ConsumerID]*domain.ConsumerRecord),
		sessionLive:  make(map[domain.SessionID]bool),
		roomTaps:     make(map[domain.RoomID][]domain.ProducerID),
		producerSets: make(chan domain.ProducerSet, 64),
		failed:       make(chan domain.RoomID, 16),
	}
}

func (g *GraphService) ProducerSets() <-chan domain.ProducerSet {
	return g.producerSets
}

func (g *GraphService) FailedRooms() <-chan domain.RoomID {
	return g.failed
}

// Run watches for engine worker failures until ctx is done. A dead worker
// makes every room routed through it unusable.
func (g *GraphService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case worker, ok := <-g.engine.Died():
			if !ok {
				return
			}
			g.failWorker(worker)
		}
	}
}

func (g *GraphService) failWorker(worker domain.WorkerID) {
	g.mu.Lock()
	var rooms []domain.RoomID
	for roomID, w := range g.roomWorkers {
		if w == worker && !g.failedRooms[roomID] {
			g.failedRooms[roomID] = true
			rooms = append(rooms, roomID)
		}
	}
	for _, roomID := range rooms {
		g.dropRoomStateLocked(roomID)
	}
	producers := len(g.producers)
	activeRooms := g.activeRoomsLocked()
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordWorkerFailure()
		g.metrics.SetProducersActive(producers)
		g.metrics.SetRoomsActive(activeRooms)
	}

	for _, roomID := range rooms {
		g.logger.Errorw("engine worker died, room unusable", "worker", worker, "room_id", roomID)
		g.publish(domain.ProducerSet{RoomID: roomID})
		select {
		case g.failed <- roomID:
		default:
			g.logger.Warnw("failed-room notification dropped", "room_id", roomID)
		}
	}
}

func (g *GraphService) dropRoomStateLocked(roomID domain.RoomID) {
	for id, rec := range g.consumers {
		if rec.RoomID == roomID {
			delete(g.consumers, id)
		}
	}
	for id, rec := range g.producers {
		if rec.RoomID == roomID {
			delete(g.producers, id)
		}
	}
	for id, rec := range g.transports {
		if rec.RoomID == roomID {
			delete(g.transports, id)
		}
	}
	delete(g.roomTaps, roomID)
}

// activeRoomsLocked counts rooms whose router worker is still alive.
func (g *GraphService) activeRoomsLocked() int {
	n := 0
	for roomID := range g.roomWorkers {
		if !g.failedRooms[roomID] {
			n++
		}
	}
	return n
}

// callCtx bounds every engine call; a blown deadline surfaces as Timeout.
func (g *GraphService) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.opTimeout)
}

func (g *GraphService) observeOp(op string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveEngineOp(op, time.Since(start))
	}
}

func engineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
}

func (g *GraphService) roomUsable(roomID domain.RoomID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failedRooms[roomID] {
		return fmt.Errorf("%w: room %s lost its engine worker", domain.ErrEngineFailure, roomID)
	}
	return nil
}

// ensureRouter assigns the room a worker round-robin on first use; the
// assignment is fixed for the room's lifetime.
func (g *GraphService) ensureRouter(ctx context.Context, roomID domain.RoomID) error {
	g.mu.Lock()
	worker, assigned := g.roomWorkers[roomID]
	if !assigned {
		worker = domain.WorkerID(g.nextWorker % g.engine.WorkerCount())
		g.nextWorker++
		g.roomWorkers[roomID] = worker
	}
	activeRooms := g.activeRoomsLocked()
	g.mu.Unlock()

	if !assigned && g.metrics != nil {
		g.metrics.SetRoomsActive(activeRooms)
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("ensure_router", time.Now())

	if err := g.engine.EnsureRouter(cctx, roomID, worker); err != nil {
		return engineErr(err)
	}
	return nil
}

func (g *GraphService) CreateTransport(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, direction domain.TransportDirection) (ports.TransportInfo, error) {
	if err := g.roomUsable(roomID); err != nil {
		return ports.TransportInfo{}, err
	}
	if err := g.ensureRouter(ctx, roomID); err != nil {
		return ports.TransportInfo{}, err
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("create_transport", time.Now())

	info, err := g.engine.CreateTransport(cctx, roomID, direction)
	if err != nil {
		return ports.TransportInfo{}, engineErr(err)
	}

	g.mu.Lock()
	g.transports[info.ID] = &domain.TransportRecord{
		ID:        info.ID,
		RoomID:    roomID,
		SessionID: sessionID,
		Direction: direction,
		CreatedAt: time.Now(),
	}
	g.sessionLive[sessionID] = true
	g.mu.Unlock()

	return info, nil
}

func (g *GraphService) ConnectTransport(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, params ports.ConnectParams) (string, error) {
	g.mu.Lock()
	rec, exists := g.transports[transportID]
	if !exists || rec.SessionID != sessionID {
		g.mu.Unlock()
		return "", domain.ErrHandleNotFound
	}
	roomID := rec.RoomID
	g.mu.Unlock()

	if err := g.roomUsable(roomID); err != nil {
		return "", err
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("connect_transport", time.Now())

	answer, err := g.engine.ConnectTransport(cctx, transportID, params)
	if err != nil {
		return "", engineErr(err)
	}
	return answer, nil
}

func (g *GraphService) CreateProducer(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	g.mu.Lock()
	transport, exists := g.transports[transportID]
	if !exists || transport.SessionID != sessionID {
		g.mu.Unlock()
		return "", domain.ErrHandleNotFound
	}
	if transport.Direction != domain.DirectionSend {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: cannot produce on a recv transport", domain.ErrProtocolViolation)
	}
	roomID := transport.RoomID
	g.mu.Unlock()

	if err := g.roomUsable(roomID); err != nil {
		return "", err
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("produce", time.Now())

	producerID, err := g.engine.Produce(cctx, transportID, params)
	if err != nil {
		return "", engineErr(err)
	}

	g.mu.Lock()
	if !g.sessionLive[sessionID] {
		g.mu.Unlock()
		g.closeProducerHandle(producerID)
		return "", domain.ErrSessionNotFound
	}
	g.producers[producerID] = &domain.ProducerRecord{
		ID:          producerID,
		TransportID: transportID,
		RoomID:      roomID,
		SessionID:   sessionID,
		Kind:        params.Kind,
		CreatedAt:   time.Now(),
	}
	set := g.snapshotLocked(roomID)
	producers := len(g.producers)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetProducersActive(producers)
	}
	g.publish(set)
	g.logger.Infow("producer created",
		"producer_id", producerID,
		"room_id", roomID,
		"session_id", sessionID,
		"kind", params.Kind,
	)

	return producerID, nil
}

func (g *GraphService) CreateConsumer(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, producerID domain.ProducerID, caps ports.ReceiverCaps) (ports.ConsumerInfo, error) {
	g.mu.Lock()
	transport, exists := g.transports[transportID]
	if !exists || transport.SessionID != sessionID {
		g.mu.Unlock()
		return ports.ConsumerInfo{}, domain.ErrHandleNotFound
	}
	producer, exists := g.producers[producerID]
	if !exists {
		g.mu.Unlock()
		return ports.ConsumerInfo{}, domain.ErrHandleNotFound
	}
	roomID := transport.RoomID
	kind := producer.Kind
	g.mu.Unlock()

	if err := g.roomUsable(roomID); err != nil {
		return ports.ConsumerInfo{}, err
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("consume", time.Now())

	ok, err := g.engine.CanConsume(cctx, roomID, producerID, caps)
	if err != nil {
		return ports.ConsumerInfo{}, engineErr(err)
	}
	if !ok {
		return ports.ConsumerInfo{}, domain.ErrIncompatibleCapabilities
	}

	// Consumers start paused; media only flows after an explicit resume,
	// once the receiving transport is fully connected.
	info, err := g.engine.Consume(cctx, transportID, producerID, caps)
	if err != nil {
		return ports.ConsumerInfo{}, engineErr(err)
	}

	g.mu.Lock()
	if !g.sessionLive[sessionID] {
		g.mu.Unlock()
		g.closeConsumerHandle(info.ID)
		return ports.ConsumerInfo{}, domain.ErrSessionNotFound
	}
	g.consumers[info.ID] = &domain.ConsumerRecord{
		ID:          info.ID,
		TransportID: transportID,
		ProducerID:  producerID,
		RoomID:      roomID,
		SessionID:   sessionID,
		Kind:        kind,
		Paused:      true,
		CreatedAt:   time.Now(),
	}
	g.mu.Unlock()

	return info, nil
}

func (g *GraphService) ResumeConsumer(ctx context.Context, sessionID domain.SessionID, consumerID domain.ConsumerID) error {
	g.mu.Lock()
	rec, exists := g.consumers[consumerID]
	if !exists || rec.SessionID != sessionID {
		g.mu.Unlock()
		return domain.ErrHandleNotFound
	}
	g.mu.Unlock()

	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	defer g.observeOp("resume_consumer", time.Now())

	if err := g.engine.ResumeConsumer(cctx, consumerID); err != nil {
		return engineErr(err)
	}

	g.mu.Lock()
	if rec, exists := g.consumers[consumerID]; exists {
		rec.Paused = false
	}
	g.mu.Unlock()

	return nil
}

// CloseProducer closes dependent consumers first, then the producer, and
// publishes exactly one producer-set change. Idempotent.
func (g *GraphService) CloseProducer(ctx context.Context, id domain.ProducerID) error {
	g.mu.Lock()
	producer, exists := g.producers[id]
	if !exists {
		g.mu.Unlock()
		return nil
	}
	roomID := producer.RoomID

	var dependents []domain.ConsumerID
	for cid, rec := range g.consumers {
		if rec.ProducerID == id {
			dependents = append(dependents, cid)
		}
	}
	for _, cid := range dependents {
		delete(g.consumers, cid)
	}
	delete(g.producers, id)

	taps := g.roomTaps[roomID]
	hasTap := false
	for i, pid := range taps {
		if pid == id {
			g.roomTaps[roomID] = append(taps[:i], taps[i+1:]...)
			hasTap = true
			break
		}
	}

	set := g.snapshotLocked(roomID)
	producers := len(g.producers)
	g.mu.Unlock()

	for _, cid := range dependents {
		g.closeConsumerHandle(cid)
	}
	if hasTap {
		g.closeTapHandle(id)
	}
	g.closeProducerHandle(id)

	if g.metrics != nil {
		g.metrics.SetProducersActive(producers)
	}
	g.publish(set)
	return nil
}

func (g *GraphService) CloseConsumer(ctx context.Context, id domain.ConsumerID) error {
	g.mu.Lock()
	_, exists := g.consumers[id]
	if !exists {
		g.mu.Unlock()
		return nil
	}
	delete(g.consumers, id)
	g.mu.Unlock()

	g.closeConsumerHandle(id)
	return nil
}

// TeardownSession closes all producers, then consumers, then transports
// owned by the session, in that order. Transports go last as a safety net:
// closing them invalidates any handle not yet closed.
func (g *GraphService) TeardownSession(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	g.mu.Lock()
	delete(g.sessionLive, sessionID)

	var producerIDs []domain.ProducerID
	for id, rec := range g.producers {
		if rec.SessionID == sessionID {
			producerIDs = append(producerIDs, id)
		}
	}
	var consumerIDs []domain.ConsumerID
	for id, rec := range g.consumers {
		if rec.SessionID == sessionID {
			consumerIDs = append(consumerIDs, id)
		}
	}
	var transportIDs []domain.TransportID
	for id, rec := range g.transports {
		if rec.SessionID == sessionID {
			transportIDs = append(transportIDs, id)
		}
	}
	g.mu.Unlock()

	for _, id := range producerIDs {
		if err := g.CloseProducer(ctx, id); err != nil {
			g.logger.Warnw("producer close during teardown failed", "producer_id", id, "error", err)
		}
	}
	for _, id := range consumerIDs {
		if err := g.CloseConsumer(ctx, id); err != nil {
			g.logger.Warnw("consumer close during teardown failed", "consumer_id", id, "error", err)
		}
	}

	g.mu.Lock()
	for _, id := range transportIDs {
		delete(g.transports, id)
	}
	g.mu.Unlock()

	for _, id := range transportIDs {
		g.closeTransportHandle(id)
	}

	g.logger.Infow("session media torn down",
		"room_id", roomID,
		"session_id", sessionID,
		"producers", len(producerIDs),
		"consumers", len(consumerIDs),
		"transports", len(transportIDs),
	)

	return nil
}

func (g *GraphService) RoomProducers(roomID domain.RoomID) domain.ProducerSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(roomID)
}

// SessionHandleCounts reports how many handles remain attributed to the
// session in the local mirror.
func (g *GraphService) SessionHandleCounts(sessionID domain.SessionID) (producers, consumers, transports int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range g.producers {
		if rec.SessionID == sessionID {
			producers++
		}
	}
	for _, rec := range g.consumers {
		if rec.SessionID == sessionID {
			consumers++
		}
	}
	for _, rec := range g.transports {
		if rec.SessionID == sessionID {
			transports++
		}
	}
	return
}

// Taps materializes plain RTP taps for every producer in the snapshot.
func (g *GraphService) Taps(ctx context.Context, set domain.ProducerSet) ([]domain.ProducerTap, error) {
	if err := g.roomUsable(set.RoomID); err != nil {
		return nil, err
	}
	defer g.observeOp("create_taps", time.Now())

	taps := make([]domain.ProducerTap, 0, len(set.Producers))
	for _, producer := range set.Producers {
		cctx, cancel := g.callCtx(ctx)
		tap, err := g.engine.CreateTap(cctx, producer.ID)
		cancel()
		if err != nil {
			// Roll back taps created so far rather than leaving them dangling.
			for _, created := range taps {
				g.closeTapHandle(created.ProducerID)
			}
			g.mu.Lock()
			delete(g.roomTaps, set.RoomID)
			g.mu.Unlock()
			return nil, engineErr(err)
		}
		taps = append(taps, tap)

		g.mu.Lock()
		g.roomTaps[set.RoomID] = append(g.roomTaps[set.RoomID], producer.ID)
		g.mu.Unlock()
	}

	return taps, nil
}

func (g *GraphService) ReleaseTaps(ctx context.Context, roomID domain.RoomID) error {
	g.mu.Lock()
	taps := g.roomTaps[roomID]
	delete(g.roomTaps, roomID)
	g.mu.Unlock()

	for _, producerID := range taps {
		g.closeTapHandle(producerID)
	}
	return nil
}

func (g *GraphService) snapshotLocked(roomID domain.RoomID) domain.ProducerSet {
	set := domain.ProducerSet{RoomID: roomID}
	for _, rec := range g.producers {
		if rec.RoomID == roomID {
			set.Producers = append(set.Producers, *rec)
		}
	}
	return set
}

// publish keeps the channel's latest-set semantics: when the buffer is
// full the oldest snapshot is dropped.
func (g *GraphService) publish(set domain.ProducerSet) {
	for {
		select {
		case g.producerSets <- set:
			return
		default:
			select {
			case <-g.producerSets:
			default:
			}
		}
	}
}

// Best-effort close helpers used on rollback and teardown paths.

func (g *GraphService) closeProducerHandle(id domain.ProducerID) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()
	if err := g.engine.CloseProducer(ctx, id); err != nil {
		g.logger.Warnw("engine producer close failed", "producer_id", id, "error", err)
	}
}

func (g *GraphService) closeConsumerHandle(id domain.ConsumerID) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()
	if err := g.engine.CloseConsumer(ctx, id); err != nil {
		g.logger.Warnw("engine consumer close failed", "consumer_id", id, "error", err)
	}
}

func (g *GraphService) closeTransportHandle(id domain.TransportID) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()
	if err := g.engine.CloseTransport(ctx, id); err != nil {
		g.logger.Warnw("engine transport close failed", "transport_id", id, "error", err)
	}
}

func (g *GraphService) closeTapHandle(id domain.ProducerID) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()
	if err := g.engine.CloseTap(ctx, id); err != nil {
		g.logger.Warnw("engine tap close failed", "producer_id", id, "error", err)
	}
}
