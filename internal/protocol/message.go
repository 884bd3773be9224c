package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types for server → tail client communication
const (
	TypeHello  = "HELLO"
	TypeRecord = "RECORD"
	TypeLagged = "LAGGED" // client fell behind; some records were not sent
	TypeError  = "ERROR"
	TypePong   = "PONG"
)

// Message types for tail client → server communication
const (
	TypePing = "PING"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode creates a Message with the given type and payload.
func Encode(msgType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{
		Type:    msgType,
		Payload: payloadBytes,
	}
	return json.Marshal(msg)
}

// Decode parses a raw message and returns the type and payload.
func Decode(data []byte) (msgType string, payload json.RawMessage, err error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg.Type, msg.Payload, nil
}

// DecodePayload unmarshals the payload into the given type.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// Hello is sent once a tail subscription is accepted.
type Hello struct {
	Log           string `json:"log"`
	ServerVersion string `json:"server_version"`
}

// Record carries one appended record. Time is unix milliseconds.
type Record struct {
	Log     string          `json:"log"`
	Time    int64           `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// NewRecord builds a Record message body.
func NewRecord(log string, t time.Time, payload json.RawMessage) Record {
	return Record{
		Log:     log,
		Time:    t.UnixMilli(),
		Payload: payload,
	}
}

// At returns the record time.
func (r Record) At() time.Time {
	return time.UnixMilli(r.Time)
}

// Lagged reports how many records a slow subscriber missed.
type Lagged struct {
	Log    string `json:"log"`
	Missed int    `json:"missed"`
}

// Error is sent before the server closes a subscription it cannot serve.
type Error struct {
	Error string `json:"error"`
}

// Ping is a keepalive from the client.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// NewPing creates a ping stamped with the current time.
func NewPing() Ping {
	return Ping{Timestamp: time.Now().Unix()}
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
