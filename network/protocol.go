package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"powerlink/models"
)

// MaxMessageSize is the largest accepted wire message. Data channel messages
// above this are rejected before decoding.
const MaxMessageSize = 64 * 1024

const (
	KindDeviceInfo        MessageKind = "device-info"
	KindPerformanceUpdate MessageKind = "performance-update"
	KindPing              MessageKind = "ping"
	KindPong              MessageKind = "pong"
)

var (
	// ErrMessageTooLarge indicates payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("network: message exceeds max size")
	// ErrInvalidMessageKind indicates the message kind is missing or unknown.
	ErrInvalidMessageKind = errors.New("network: invalid message kind")
)

// MessageKind identifies the payload carried by a WireMessage.
type MessageKind string

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindDeviceInfo, KindPerformanceUpdate, KindPing, KindPong:
		return true
	default:
		return false
	}
}

// WireMessage is the envelope for all peer-to-peer traffic. Timestamp is the
// sender's clock in epoch milliseconds at send time.
type WireMessage struct {
	Kind      MessageKind     `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// PingData is the payload of ping and pong. A pong echoes the timestamp of
// the ping it answers.
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// EncodeMessage marshals data into a stamped envelope.
func EncodeMessage(kind MessageKind, data any, timestamp int64) ([]byte, error) {
	if !kind.Valid() {
		return nil, ErrInvalidMessageKind
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", kind, err)
	}
	payload, err := json.Marshal(WireMessage{Kind: kind, Data: raw, Timestamp: timestamp})
	if err != nil {
		return nil, fmt.Errorf("marshal wire message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return payload, nil
}

// DecodeMessage parses an envelope and validates its kind.
func DecodeMessage(payload []byte) (WireMessage, error) {
	if len(payload) > MaxMessageSize {
		return WireMessage{}, ErrMessageTooLarge
	}
	var message WireMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return WireMessage{}, fmt.Errorf("decode wire message: %w", err)
	}
	if !message.Kind.Valid() {
		return WireMessage{}, ErrInvalidMessageKind
	}
	return message, nil
}

func decodeDeviceInfo(message WireMessage) (models.DeviceInfo, error) {
	var info models.DeviceInfo
	if err := json.Unmarshal(message.Data, &info); err != nil {
		return models.DeviceInfo{}, fmt.Errorf("decode device info: %w", err)
	}
	return info, nil
}

func decodePerformance(message WireMessage) (models.PerformanceSample, error) {
	var sample models.PerformanceSample
	if err := json.Unmarshal(message.Data, &sample); err != nil {
		return models.PerformanceSample{}, fmt.Errorf("decode performance update: %w", err)
	}
	return sample, nil
}

func decodePing(message WireMessage) (PingData, error) {
	var data PingData
	if err := json.Unmarshal(message.Data, &data); err != nil {
		return PingData{}, fmt.Errorf("decode %s: %w", message.Kind, err)
	}
	return data, nil
}
