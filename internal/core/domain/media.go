package domain

import "time"

type TransportID string
type ProducerID string
type ConsumerID string
type WorkerID int

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// TransportRecord mirrors an engine transport handle with its ownership.
type TransportRecord struct {
	ID        TransportID
	RoomID    RoomID
	SessionID SessionID
	Direction TransportDirection
	CreatedAt time.Time
}

type ProducerRecord struct {
	ID          ProducerID
	TransportID TransportID
	RoomID      RoomID
	SessionID   SessionID
	Kind        MediaKind
	CreatedAt   time.Time
}

type ConsumerRecord struct {
	ID          ConsumerID
	TransportID TransportID
	ProducerID  ProducerID
	RoomID      RoomID
	SessionID   SessionID
	Kind        MediaKind
	Paused      bool
	CreatedAt   time.Time
}

// ProducerTap is a plain RTP network output for one producer, consumed by
// the external segmenter.
type ProducerTap struct {
	ProducerID  ProducerID
	Kind        MediaKind
	Address     string
	PayloadType uint8
}

// ProducerSet is the egress-relevant snapshot of a room's producers.
type ProducerSet struct {
	RoomID    RoomID
	Producers []ProducerRecord
}

func (ps ProducerSet) IDs() []ProducerID {
	ids := make([]ProducerID, 0, len(ps.Producers))
	for _, p := range ps.Producers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (ps ProducerSet) Empty() bool {
	return len(ps.Producers) == 0
}
