package ports

import (
	"context"

	"stagelink/internal/core/domain"
)

// TransportInfo is returned to the client so it can finish transport setup.
type TransportInfo struct {
	ID domain.TransportID
}

// ConnectParams carries the client half of the transport security setup:
// the client's offer SDP. The engine replies with its answer.
type ConnectParams struct {
	SDP string
}

type ProduceParams struct {
	Kind      domain.MediaKind
	MimeType  string
	ClockRate uint32
	Channels  uint16
}

// ReceiverCaps declares which media formats a receiving session can decode.
type ReceiverCaps struct {
	MimeTypes []string
}

type ConsumerInfo struct {
	ID         domain.ConsumerID
	ProducerID domain.ProducerID
	Kind       domain.MediaKind
	MimeType   string
	Paused     bool
}

// MediaEngine is the capability interface over the external media engine.
// All blocking calls honor ctx; implementations report typed failures on
// invalid handles and publish worker failures on Died.
type MediaEngine interface {
	// WorkerCount reports how many engine workers are available for
	// round-robin router placement.
	WorkerCount() int
	// EnsureRouter creates the room's router on the given worker if it does
	// not exist yet. The assignment is fixed for the room's lifetime.
	EnsureRouter(ctx context.Context, roomID domain.RoomID, worker domain.WorkerID) error
	CloseRouter(ctx context.Context, roomID domain.RoomID) error

	CreateTransport(ctx context.Context, roomID domain.RoomID, direction domain.TransportDirection) (TransportInfo, error)
	// ConnectTransport completes the one-shot security handshake and returns
	// the engine's answer SDP. A second call for the same transport fails
	// cleanly.
	ConnectTransport(ctx context.Context, id domain.TransportID, params ConnectParams) (string, error)
	CloseTransport(ctx context.Context, id domain.TransportID) error

	Produce(ctx context.Context, transportID domain.TransportID, params ProduceParams) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, id domain.ProducerID) error

	CanConsume(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID, caps ReceiverCaps) (bool, error)
	// Consume creates the consumer in a paused state.
	Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps ReceiverCaps) (ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, id domain.ConsumerID) error
	CloseConsumer(ctx context.Context, id domain.ConsumerID) error

	// CreateTap exposes a producer's media as a plain RTP output for the
	// segmenter. CloseTap is idempotent.
	CreateTap(ctx context.Context, producerID domain.ProducerID) (domain.ProducerTap, error)
	CloseTap(ctx context.Context, producerID domain.ProducerID) error

	// Died delivers the worker ID whenever an engine worker fails. Routers
	// hosted on that worker are unusable from that point on.
	Died() <-chan domain.WorkerID

	Close() error
}
