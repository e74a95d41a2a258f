package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/internal/core/services"
	apperrors "stagelink/pkg/errors"
	"stagelink/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Membership states for one connection.
const (
	membershipIdle    = "idle"
	membershipJoining = "joining"
	membershipJoined  = "joined"
	membershipLeaving = "leaving"
	membershipClosed  = "closed"
)

// Resume modes for newly created consumers.
const (
	ResumeAuto     = "auto"
	ResumeExplicit = "explicit"
)

// Metrics receives signaling and membership observations; nil disables
// them.
type Metrics interface {
	ObserveSignalMessage(msgType string)
	RecordSessionJoined(roomID domain.RoomID, role domain.Role)
	RecordSessionLeft(roomID domain.RoomID, role domain.Role)
	RecordJoinRejected(reason string)
}

// Config holds per-connection timing and the consumer resume mode.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	ConsumerResume string
}

// WebSocketServer is the signaling endpoint. Each connection gets a
// reader goroutine and one processing loop, so messages from one client
// are handled strictly in order.
type WebSocketServer struct {
	rooms   *services.RoomService
	graph   ports.MediaGraph
	cfg     Config
	metrics Metrics

	mu      sync.RWMutex
	clients map[domain.SessionID]*client

	logger *zap.SugaredLogger
}

// client is the per-connection state machine.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	connID domain.ConnID
	cancel context.CancelFunc

	// Owned by the processing loop except where noted.
	membership string
	sessionID  domain.SessionID
	roomID     domain.RoomID
	role       domain.Role
}

func NewWebSocketServer(rooms *services.RoomService, graph ports.MediaGraph, cfg Config, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ConsumerResume == "" {
		cfg.ConsumerResume = ResumeExplicit
	}
	return &WebSocketServer{
		rooms:   rooms,
		graph:   graph,
		cfg:     cfg,
		metrics: metrics,
		clients: make(map[domain.SessionID]*client),
		logger:  logger,
	}
}

// ConnectionCount reports currently joined sessions.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		conn:       conn,
		connID:     domain.ConnID(uuid.NewString()),
		cancel:     cancel,
		membership: membershipIdle,
	}

	s.logger.Infow("signaling connection opened", "conn_id", c.connID)

	// Pongs arrive on the reader goroutine; hand them to the processing
	// loop, which owns the session state.
	pongChan := make(chan struct{}, 1)

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		select {
		case pongChan <- struct{}{}:
		default:
		}
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Envelope
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(ctx, c, msg); err != nil {
				s.sendError(c, msg.RequestID, err)
			}

		case <-pongChan:
			s.touchSession(ctx, c)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "conn_id", c.connID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "conn_id", c.connID, "error", err)
			}
			goto cleanup

		case <-ctx.Done():
			goto cleanup
		}
	}

cleanup:
	// Disconnect is leave: cancel in-flight work, tear down the media
	// graph, free the session, tell the room.
	cancel()
	if c.membership == membershipJoined || c.membership == membershipJoining {
		s.leaveRoom(context.Background(), c)
	}
	c.membership = membershipClosed
	s.logger.Infow("signaling connection closed", "conn_id", c.connID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg Envelope) error {
	if msg.Type == "" {
		return protocolViolation("message type is required")
	}
	if s.metrics != nil {
		s.metrics.ObserveSignalMessage(msg.Type)
	}
	s.touchSession(ctx, c)

	switch msg.Type {
	case "join":
		return s.handleJoin(ctx, c, msg)
	case "create_transport":
		return s.handleCreateTransport(ctx, c, msg)
	case "connect_transport":
		return s.handleConnectTransport(ctx, c, msg)
	case "produce":
		return s.handleProduce(ctx, c, msg)
	case "consume":
		return s.handleConsume(ctx, c, msg)
	case "resume_consumer":
		return s.handleResumeConsumer(ctx, c, msg)
	case "leave":
		return s.handleLeave(ctx, c, msg)
	default:
		return protocolViolation(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// touchSession keeps joined sessions out of the inactivity sweep. Any
// inbound traffic counts, pongs included.
func (s *WebSocketServer) touchSession(ctx context.Context, c *client) {
	if c.membership != membershipJoined {
		return
	}
	if err := s.rooms.TouchSession(ctx, c.sessionID); err != nil {
		s.logger.Debugw("session touch failed", "session_id", c.sessionID, "error", err)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipIdle {
		return protocolViolation("join is only valid before joining a room")
	}

	var payload JoinPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid join payload")
	}
	if payload.RoomID == "" {
		payload.RoomID = domain.DefaultRoomID
	}
	if err := validation.ValidateRoomID(string(payload.RoomID)); err != nil {
		return protocolViolation(err.Error())
	}
	if !domain.ValidRole(payload.Role) {
		return protocolViolation(fmt.Sprintf("unknown role %q", payload.Role))
	}
	if err := validation.ValidateDisplayName(payload.DisplayName); err != nil {
		return protocolViolation(err.Error())
	}

	c.membership = membershipJoining

	now := time.Now()
	session := &domain.Session{
		ID:           domain.SessionID(uuid.NewString()),
		ConnID:       c.connID,
		RoomID:       payload.RoomID,
		Role:         payload.Role,
		DisplayName:  payload.DisplayName,
		State:        domain.ConnConnected,
		JoinedAt:     now,
		LastActivity: now,
	}

	if err := s.rooms.Join(ctx, session); err != nil {
		c.membership = membershipIdle
		if s.metrics != nil {
			s.metrics.RecordJoinRejected(joinRejectReason(err))
		}
		return err
	}

	c.membership = membershipJoined
	c.sessionID = session.ID
	c.roomID = session.RoomID
	c.role = session.Role

	s.mu.Lock()
	s.clients[session.ID] = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSessionJoined(session.RoomID, session.Role)
	}

	peers := s.roomPeers(ctx, session.RoomID, session.ID)
	producers := s.roomProducerList(session.RoomID)

	s.logger.Infow("session joined",
		"session_id", session.ID,
		"room_id", session.RoomID,
		"role", session.Role,
	)

	s.BroadcastToRoom(session.RoomID, session.ID, outbound{
		Type: "peer_joined",
		Payload: PeerInfo{
			SessionID:   session.ID,
			Role:        session.Role,
			DisplayName: session.DisplayName,
		},
	})

	return s.send(c, outbound{
		Type:      "joined",
		RequestID: msg.RequestID,
		Payload: JoinedPayload{
			SessionID: session.ID,
			RoomID:    session.RoomID,
			Role:      session.Role,
			Peers:     peers,
			Producers: producers,
		},
	})
}

func (s *WebSocketServer) handleCreateTransport(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("create_transport requires a joined session")
	}

	var payload CreateTransportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid create_transport payload")
	}
	if payload.Direction != domain.DirectionSend && payload.Direction != domain.DirectionRecv {
		return protocolViolation(fmt.Sprintf("unknown transport direction %q", payload.Direction))
	}
	if payload.Direction == domain.DirectionSend && c.role == domain.RoleViewer {
		return protocolViolation("viewers cannot create send transports")
	}

	info, err := s.graph.CreateTransport(ctx, c.roomID, c.sessionID, payload.Direction)
	if err != nil {
		return err
	}

	return s.send(c, outbound{
		Type:      "transport_created",
		RequestID: msg.RequestID,
		Payload: TransportCreatedPayload{
			TransportID: info.ID,
			Direction:   payload.Direction,
		},
	})
}

func (s *WebSocketServer) handleConnectTransport(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("connect_transport requires a joined session")
	}

	var payload ConnectTransportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid connect_transport payload")
	}
	if payload.TransportID == "" || payload.SDP == "" {
		return protocolViolation("transport_id and sdp are required")
	}

	answer, err := s.graph.ConnectTransport(ctx, c.sessionID, payload.TransportID, ports.ConnectParams{SDP: payload.SDP})
	if err != nil {
		return err
	}

	return s.send(c, outbound{
		Type:      "transport_connected",
		RequestID: msg.RequestID,
		Payload: TransportConnectedPayload{
			TransportID: payload.TransportID,
			SDP:         answer,
		},
	})
}

func (s *WebSocketServer) handleProduce(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("produce requires a joined session")
	}
	if c.role == domain.RoleViewer {
		return protocolViolation("viewers cannot produce media")
	}

	var payload ProducePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid produce payload")
	}
	if payload.TransportID == "" {
		return protocolViolation("transport_id is required")
	}

	producerID, err := s.graph.CreateProducer(ctx, c.sessionID, payload.TransportID, ports.ProduceParams{
		Kind:      payload.Kind,
		MimeType:  payload.MimeType,
		ClockRate: payload.ClockRate,
		Channels:  payload.Channels,
	})
	if err != nil {
		return err
	}

	s.BroadcastToRoom(c.roomID, c.sessionID, outbound{
		Type: "new_producer",
		Payload: ProducerInfo{
			ProducerID: producerID,
			SessionID:  c.sessionID,
			Kind:       payload.Kind,
		},
	})

	return s.send(c, outbound{
		Type:      "producer_created",
		RequestID: msg.RequestID,
		Payload: ProducerCreatedPayload{
			ProducerID: producerID,
			Kind:       payload.Kind,
		},
	})
}

func (s *WebSocketServer) handleConsume(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("consume requires a joined session")
	}

	var payload ConsumePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid consume payload")
	}
	if payload.TransportID == "" || payload.ProducerID == "" {
		return protocolViolation("transport_id and producer_id are required")
	}

	info, err := s.graph.CreateConsumer(ctx, c.sessionID, payload.TransportID, payload.ProducerID, ports.ReceiverCaps{
		MimeTypes: payload.MimeTypes,
	})
	if err != nil {
		return err
	}

	paused := true
	if s.cfg.ConsumerResume == ResumeAuto {
		if err := s.graph.ResumeConsumer(ctx, c.sessionID, info.ID); err != nil {
			s.logger.Warnw("auto resume failed", "consumer_id", info.ID, "error", err)
		} else {
			paused = false
		}
	}

	return s.send(c, outbound{
		Type:      "consumer_created",
		RequestID: msg.RequestID,
		Payload: ConsumerCreatedPayload{
			ConsumerID: info.ID,
			ProducerID: info.ProducerID,
			Kind:       info.Kind,
			MimeType:   info.MimeType,
			Paused:     paused,
		},
	})
}

func (s *WebSocketServer) handleResumeConsumer(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("resume_consumer requires a joined session")
	}

	var payload ResumeConsumerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return protocolViolation("invalid resume_consumer payload")
	}
	if payload.ConsumerID == "" {
		return protocolViolation("consumer_id is required")
	}

	if err := s.graph.ResumeConsumer(ctx, c.sessionID, payload.ConsumerID); err != nil {
		return err
	}

	return s.send(c, outbound{
		Type:      "consumer_resumed",
		RequestID: msg.RequestID,
		Payload:   ConsumerResumedPayload{ConsumerID: payload.ConsumerID},
	})
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *client, msg Envelope) error {
	if c.membership != membershipJoined {
		return protocolViolation("leave requires a joined session")
	}

	s.leaveRoom(ctx, c)

	return s.send(c, outbound{Type: "left", RequestID: msg.RequestID})
}

// leaveRoom tears the session down and returns the connection to idle so
// it can join again.
func (s *WebSocketServer) leaveRoom(ctx context.Context, c *client) {
	c.membership = membershipLeaving

	sessionID := c.sessionID
	roomID := c.roomID

	s.mu.Lock()
	delete(s.clients, sessionID)
	s.mu.Unlock()

	if err := s.graph.TeardownSession(ctx, roomID, sessionID); err != nil {
		s.logger.Warnw("session teardown failed",
			"session_id", sessionID,
			"room_id", roomID,
			"error", err,
		)
	}
	if err := s.rooms.Leave(ctx, roomID, sessionID); err != nil {
		s.logger.Warnw("leave failed", "session_id", sessionID, "error", err)
	}

	s.BroadcastToRoom(roomID, sessionID, outbound{
		Type:    "peer_left",
		Payload: PeerLeftPayload{SessionID: sessionID},
	})

	if s.metrics != nil {
		s.metrics.RecordSessionLeft(roomID, c.role)
	}
	s.logger.Infow("session left", "session_id", sessionID, "room_id", roomID)

	c.sessionID = ""
	c.roomID = ""
	c.role = ""
	c.membership = membershipIdle
}

// ReapSession finishes the teardown of a session the sweeper already
// removed from the store. A live connection is cancelled so its cleanup
// path tears down the media graph and notifies the room; a connectionless
// record gets the same treatment directly.
func (s *WebSocketServer) ReapSession(sess *domain.Session) {
	s.mu.RLock()
	c, exists := s.clients[sess.ID]
	s.mu.RUnlock()

	if exists {
		s.logger.Infow("reaping idle session", "session_id", sess.ID, "room_id", sess.RoomID)
		c.cancel()
		return
	}

	if err := s.graph.TeardownSession(context.Background(), sess.RoomID, sess.ID); err != nil {
		s.logger.Warnw("swept session teardown failed",
			"session_id", sess.ID,
			"room_id", sess.RoomID,
			"error", err,
		)
	}
	s.BroadcastToRoom(sess.RoomID, sess.ID, outbound{
		Type:    "peer_left",
		Payload: PeerLeftPayload{SessionID: sess.ID},
	})
}

// RunFailureWatcher forces stream_ended on rooms whose engine worker
// died. Runs until ctx is cancelled.
func (s *WebSocketServer) RunFailureWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case roomID, ok := <-s.graph.FailedRooms():
			if !ok {
				return
			}
			s.logger.Errorw("room failed, closing sessions", "room_id", roomID)
			s.CloseRoom(roomID, "engine_failure")
		}
	}
}

// BroadcastToRoom sends to every joined session in the room except one.
func (s *WebSocketServer) BroadcastToRoom(roomID domain.RoomID, exclude domain.SessionID, message any) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if c.roomID == roomID && id != exclude {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := s.send(c, message); err != nil {
			s.logger.Debugw("broadcast write failed", "conn_id", c.connID, "error", err)
		}
	}
}

func (s *WebSocketServer) NotifySession(sessionID domain.SessionID, message any) error {
	s.mu.RLock()
	c, exists := s.clients[sessionID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("session %s not connected", sessionID)
	}
	return s.send(c, message)
}

// CloseRoom pushes stream_ended to every session in the room and drops
// their connections; per-connection cleanup does the rest.
func (s *WebSocketServer) CloseRoom(roomID domain.RoomID, reason string) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.roomID == roomID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	msg := outbound{
		Type:    "stream_ended",
		Payload: StreamEndedPayload{RoomID: roomID, Reason: reason},
	}
	for _, c := range targets {
		if err := s.send(c, msg); err != nil {
			s.logger.Debugw("stream_ended write failed", "conn_id", c.connID, "error", err)
		}
		c.cancel()
	}
}

func (s *WebSocketServer) roomPeers(ctx context.Context, roomID domain.RoomID, exclude domain.SessionID) []PeerInfo {
	sessions, err := s.rooms.ListSessions(ctx, roomID)
	if err != nil {
		s.logger.Warnw("failed to list peers", "room_id", roomID, "error", err)
		return nil
	}

	peers := make([]PeerInfo, 0, len(sessions))
	for _, sess := range sessions {
		if sess.ID == exclude {
			continue
		}
		peers = append(peers, PeerInfo{
			SessionID:   sess.ID,
			Role:        sess.Role,
			DisplayName: sess.DisplayName,
		})
	}
	return peers
}

func (s *WebSocketServer) roomProducerList(roomID domain.RoomID) []ProducerInfo {
	set := s.graph.RoomProducers(roomID)
	producers := make([]ProducerInfo, 0, len(set.Producers))
	for _, rec := range set.Producers {
		producers = append(producers, ProducerInfo{
			ProducerID: rec.ID,
			SessionID:  rec.SessionID,
			Kind:       rec.Kind,
		})
	}
	return producers
}

func (s *WebSocketServer) send(c *client, message any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.conn.WriteJSON(message)
}

func (s *WebSocketServer) sendError(c *client, requestID string, err error) {
	appErr := apperrors.FromDomain(err)
	if sendErr := s.send(c, outbound{
		Type:      "error",
		RequestID: requestID,
		Payload: ErrorPayload{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		},
	}); sendErr != nil {
		s.logger.Debugw("error write failed", "conn_id", c.connID, "error", sendErr)
	}
}

func protocolViolation(msg string) error {
	return fmt.Errorf("%s: %w", msg, domain.ErrProtocolViolation)
}

func joinRejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomAtCapacity):
		return "capacity"
	case errors.Is(err, domain.ErrStreamerConflict):
		return "streamer_conflict"
	default:
		return "other"
	}
}
