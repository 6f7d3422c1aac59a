// Package telemetry defines the core data model of the ingestion pipeline:
// sensor frames as they arrive from devices, processed samples as they leave
// the signal processor, and the error taxonomy shared across components.
package telemetry

import (
	"strconv"
	"time"
)

// SensorType identifies the kind of sensor that produced a frame.
type SensorType string

const (
	// SensorIMU is a 9-channel inertial unit (3-axis accelerometer,
	// gyroscope and magnetometer) sampling at ~200 Hz.
	SensorIMU SensorType = "imu"
	// SensorToF is a time-of-flight distance sensor sampling at ~100 Hz.
	SensorToF SensorType = "tof"
)

// Expected channel counts and nominal sampling rates per sensor type.
const (
	IMUChannelCount = 9
	ToFMinChannels  = 1

	IMUNominalHz = 200.0
	ToFNominalHz = 100.0
)

// SensorFrame is one sampling instant for one sensor on one device.
// Frames are immutable once created.
type SensorFrame struct {
	DeviceID       string     `json:"device_id"`
	SensorType     SensorType `json:"sensor_type"`
	TimestampMs    int64      `json:"timestamp_ms"`
	RawValues      []float64  `json:"raw_values"`
	SignalStrength float64    `json:"signal_strength"`

	// ReceivedAt is stamped server-side on arrival for latency
	// accounting. Not part of the wire format.
	ReceivedAt time.Time `json:"-"`
}

// ProcessedSample is the output of the signal processor for one frame.
// Derived, never mutated after creation; consumed by both the session
// aggregator and the fan-out broadcaster.
type ProcessedSample struct {
	DeviceID            string     `json:"deviceId"`
	SessionID           string     `json:"sessionId"`
	SensorType          SensorType `json:"sensorType"`
	TimestampMs         int64      `json:"timestampMs"`
	SmoothedValues      []float64  `json:"smoothedValues"`
	Confidence          float64    `json:"confidence"`
	IsAnomaly           bool       `json:"isAnomaly"`
	ProcessingLatencyMs float64    `json:"processingLatencyMs"`
}

// imuChannelNames is the canonical channel naming for a 9-axis IMU frame.
var imuChannelNames = []string{
	"accel_x", "accel_y", "accel_z",
	"gyro_x", "gyro_y", "gyro_z",
	"mag_x", "mag_y", "mag_z",
}

// ChannelName returns the stable metric key for channel i of the given
// sensor type. IMU channels map to axis names; ToF channels are indexed.
func ChannelName(st SensorType, i int) string {
	if st == SensorIMU && i < len(imuChannelNames) {
		return imuChannelNames[i]
	}
	switch st {
	case SensorToF:
		return "dist_" + strconv.Itoa(i)
	default:
		return "ch_" + strconv.Itoa(i)
	}
}
