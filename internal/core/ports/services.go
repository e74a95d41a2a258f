package ports

import (
	"context"

	"stagelink/internal/core/domain"
)

// MediaGraph is the producer/consumer graph manager. It mirrors engine
// handles keyed by owning session and publishes producer-set changes.
type MediaGraph interface {
	CreateTransport(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, direction domain.TransportDirection) (TransportInfo, error)
	ConnectTransport(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, params ConnectParams) (string, error)
	CreateProducer(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, params ProduceParams) (domain.ProducerID, error)
	CreateConsumer(ctx context.Context, sessionID domain.SessionID, transportID domain.TransportID, producerID domain.ProducerID, caps ReceiverCaps) (ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, sessionID domain.SessionID, consumerID domain.ConsumerID) error
	CloseProducer(ctx context.Context, id domain.ProducerID) error
	CloseConsumer(ctx context.Context, id domain.ConsumerID) error
	TeardownSession(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error

	RoomProducers(roomID domain.RoomID) domain.ProducerSet
	// Taps materializes plain RTP taps for every producer in the snapshot.
	Taps(ctx context.Context, set domain.ProducerSet) ([]domain.ProducerTap, error)
	ReleaseTaps(ctx context.Context, roomID domain.RoomID) error

	// ProducerSets streams a snapshot after every materially relevant change.
	ProducerSets() <-chan domain.ProducerSet
	// FailedRooms streams rooms whose engine worker died; graph operations
	// against them fail with EngineFailure afterwards.
	FailedRooms() <-chan domain.RoomID
}

// EgressController drives the external segmenter per room.
type EgressController interface {
	Run(ctx context.Context)
	State(roomID domain.RoomID) string
	StopAll(ctx context.Context)
}

// RoomNotifier pushes server-initiated signaling messages, implemented by
// the websocket layer.
type RoomNotifier interface {
	BroadcastToRoom(roomID domain.RoomID, exclude domain.SessionID, message any)
	NotifySession(sessionID domain.SessionID, message any) error
	CloseRoom(roomID domain.RoomID, reason string)
}
