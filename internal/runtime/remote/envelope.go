// Package remote links runtime systems on different nodes. Messages travel
// in the external term format and are queued undecoded on the receiving
// actor, which decodes them when it next receives or collects.
package remote

import (
	"context"
	"time"
)

// Envelope is one message on the wire.
type Envelope struct {
	Headers       map[string]string `json:"headers,omitempty"`
	SenderNode    string            `json:"senderNode"`
	Incarnation   string            `json:"incarnation"`
	Protocol      string            `json:"protocol"`
	ReceiverNode  string            `json:"receiverNode"`
	ReceiverName  string            `json:"receiverName,omitempty"`
	ReceiverID    uint64            `json:"receiverId,omitempty"`
	Serial        uint32            `json:"serial"`
	Payload       []byte            `json:"payload"`
	Token         []byte            `json:"token,omitempty"`
	TimestampUnix int64             `json:"timestampUnix"`
}

// Handler is invoked by a Transport for every envelope that arrives. A
// returned error is reported back to the sender.
type Handler func(Envelope) error

// Transport moves envelopes between node addresses.
type Transport interface {
	Start(address string, handler Handler) error
	Stop() error
	Address() string
	Send(ctx context.Context, to string, env Envelope) error
}

// Codec serializes envelopes for transports that need bytes.
type Codec interface {
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
	ContentType() string
}

// NowUnix returns the current time in unix nanoseconds for stamping
// envelopes.
func NowUnix() int64 { return time.Now().UnixNano() }
