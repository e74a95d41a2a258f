package signal

import (
	"encoding/json"

	"stagelink/internal/core/domain"
)

// Envelope is the wire frame for both directions. RequestID is echoed in
// the ack so clients can match replies.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Client message payloads.

type JoinPayload struct {
	RoomID      domain.RoomID `json:"room_id"`
	Role        domain.Role   `json:"role"`
	DisplayName string        `json:"display_name"`
}

type CreateTransportPayload struct {
	Direction domain.TransportDirection `json:"direction"`
}

type ConnectTransportPayload struct {
	TransportID domain.TransportID `json:"transport_id"`
	SDP         string             `json:"sdp"`
}

type ProducePayload struct {
	TransportID domain.TransportID `json:"transport_id"`
	Kind        domain.MediaKind   `json:"kind"`
	MimeType    string             `json:"mime_type,omitempty"`
	ClockRate   uint32             `json:"clock_rate,omitempty"`
	Channels    uint16             `json:"channels,omitempty"`
}

type ConsumePayload struct {
	TransportID domain.TransportID `json:"transport_id"`
	ProducerID  domain.ProducerID  `json:"producer_id"`
	MimeTypes   []string           `json:"mime_types"`
}

type ResumeConsumerPayload struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

// Server message payloads.

type PeerInfo struct {
	SessionID   domain.SessionID `json:"session_id"`
	Role        domain.Role      `json:"role"`
	DisplayName string           `json:"display_name"`
}

type ProducerInfo struct {
	ProducerID domain.ProducerID `json:"producer_id"`
	SessionID  domain.SessionID  `json:"session_id,omitempty"`
	Kind       domain.MediaKind  `json:"kind"`
}

type JoinedPayload struct {
	SessionID domain.SessionID `json:"session_id"`
	RoomID    domain.RoomID    `json:"room_id"`
	Role      domain.Role      `json:"role"`
	Peers     []PeerInfo       `json:"peers"`
	Producers []ProducerInfo   `json:"producers"`
}

type TransportCreatedPayload struct {
	TransportID domain.TransportID        `json:"transport_id"`
	Direction   domain.TransportDirection `json:"direction"`
}

type TransportConnectedPayload struct {
	TransportID domain.TransportID `json:"transport_id"`
	SDP         string             `json:"sdp"`
}

type ProducerCreatedPayload struct {
	ProducerID domain.ProducerID `json:"producer_id"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ConsumerCreatedPayload struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
	ProducerID domain.ProducerID `json:"producer_id"`
	Kind       domain.MediaKind  `json:"kind"`
	MimeType   string            `json:"mime_type"`
	Paused     bool              `json:"paused"`
}

type ConsumerResumedPayload struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

type PeerLeftPayload struct {
	SessionID domain.SessionID `json:"session_id"`
}

type StreamEndedPayload struct {
	RoomID domain.RoomID `json:"room_id"`
	Reason string        `json:"reason"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
