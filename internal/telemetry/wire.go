package telemetry

import (
	"encoding/json"
	"fmt"
)

// Wire message kinds a device can send besides sensor frames. Frames use
// the sensor type ("imu"/"tof") in the same field.
const (
	WireHeartbeat  = "heartbeat"
	WireEndSession = "end_session"
)

// WireFrame is the JSON shape of one device-to-core message.
type WireFrame struct {
	SensorID       string    `json:"sensorId"`
	Timestamp      int64     `json:"timestamp"`
	Type           string    `json:"type"`
	Readings       []float64 `json:"readings"`
	SignalStrength float64   `json:"signalStrength"`
}

// Ack is the core-to-device acknowledgment for an accepted frame.
type Ack struct {
	Type      string `json:"type"` // always "ack"
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"` // always "ok"
}

// WireError is the core-to-device rejection message.
type WireError struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewAck builds an Ack for the frame with the given timestamp.
func NewAck(timestampMs int64) Ack {
	return Ack{Type: "ack", Timestamp: timestampMs, Status: "ok"}
}

// NewWireError builds a WireError from a pipeline error.
func NewWireError(err error) WireError {
	return WireError{Type: "error", Message: err.Error(), Code: ErrorCode(err)}
}

// DecodeWireMessage parses a raw device message. Exactly one of the returns
// is meaningful: a frame, or a control kind (WireHeartbeat/WireEndSession).
func DecodeWireMessage(data []byte) (*SensorFrame, string, error) {
	var wf WireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, "", fmt.Errorf("malformed wire message: %w", err)
	}

	switch wf.Type {
	case WireHeartbeat, WireEndSession:
		return nil, wf.Type, nil
	case string(SensorIMU), string(SensorToF):
		return &SensorFrame{
			DeviceID:       wf.SensorID,
			SensorType:     SensorType(wf.Type),
			TimestampMs:    wf.Timestamp,
			RawValues:      wf.Readings,
			SignalStrength: wf.SignalStrength,
		}, "", nil
	default:
		return nil, "", Validationf(CodeUnknownSensor, "unrecognized message type %q", wf.Type)
	}
}
