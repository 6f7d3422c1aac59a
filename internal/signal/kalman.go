// Package signal implements the per-frame smoothing stage of the pipeline:
// scalar Kalman filtering per channel, trailing moving-average noise
// reduction, confidence scoring and window-statistics anomaly detection.
package signal

import (
	"time"
)

// ScalarKalman is a one-dimensional Kalman filter with constant state
// model. The first measurement seeds the estimate.
type ScalarKalman struct {
	q        float64 // process noise
	r        float64 // measurement noise
	estimate float64
	errCov   float64
	gain     float64
	seeded   bool
}

// NewScalarKalman creates a filter with the given process noise Q and
// measurement noise R.
func NewScalarKalman(q, r float64) *ScalarKalman {
	return &ScalarKalman{q: q, r: r}
}

// Update folds one measurement into the filter and returns the new
// estimate.
func (k *ScalarKalman) Update(z float64) float64 {
	if !k.seeded {
		k.estimate = z
		k.errCov = 1.0
		k.seeded = true
		return k.estimate
	}

	// Predict: constant state, covariance grows by process noise.
	p := k.errCov + k.q

	// Update.
	k.gain = p / (p + k.r)
	k.estimate += k.gain * (z - k.estimate)
	k.errCov = (1 - k.gain) * p

	return k.estimate
}

// Estimate returns the current estimate.
func (k *ScalarKalman) Estimate() float64 { return k.estimate }

// Gain returns the gain applied on the last update.
func (k *ScalarKalman) Gain() float64 { return k.gain }

// CalibrationState holds the per-device filter bank. It is seeded at
// session start and updated incrementally as frames arrive; it is never
// reset per-frame.
type CalibrationState struct {
	DeviceID         string
	ProcessNoise     float64
	MeasurementNoise float64
	LastCalibratedAt time.Time

	filters map[string][]*ScalarKalman // sensor type -> one filter per channel
}

// NewCalibrationState seeds calibration for a device.
func NewCalibrationState(deviceID string, q, r float64, now time.Time) *CalibrationState {
	return &CalibrationState{
		DeviceID:         deviceID,
		ProcessNoise:     q,
		MeasurementNoise: r,
		LastCalibratedAt: now,
		filters:          make(map[string][]*ScalarKalman),
	}
}

// Filters returns the filter bank for the sensor type, growing it to at
// least n channels.
func (c *CalibrationState) Filters(sensorType string, n int) []*ScalarKalman {
	bank := c.filters[sensorType]
	for len(bank) < n {
		bank = append(bank, NewScalarKalman(c.ProcessNoise, c.MeasurementNoise))
	}
	c.filters[sensorType] = bank
	return bank
}

// KalmanGain reports the mean last-update gain across all channels of the
// sensor type, 0 if no updates have happened.
func (c *CalibrationState) KalmanGain(sensorType string) float64 {
	bank := c.filters[sensorType]
	if len(bank) == 0 {
		return 0
	}
	var sum float64
	for _, f := range bank {
		sum += f.Gain()
	}
	return sum / float64(len(bank))
}

// Touch records an incremental calibration update.
func (c *CalibrationState) Touch(now time.Time) {
	c.LastCalibratedAt = now
}
