package telemetry

import (
	"time"

	"github.com/flexion-data/motionstream/internal/timeutil"
)

// Clock skew tolerance for frame timestamps: a frame may be at most 5s in
// the past or 1s in the future relative to the core's clock.
const (
	MaxPastSkew   = 5 * time.Second
	MaxFutureSkew = 1 * time.Second
)

// Sampling-rate consistency parameters. The rate check engages only once a
// full rolling window of accepted timestamps exists for the sensor type.
const (
	RateToleranceHz = 1.0
	rateWindowSize  = 8
)

// Validator performs structural validation of incoming frames for one
// connection. It is not safe for concurrent use; each connection owns one.
type Validator struct {
	clock   timeutil.Clock
	windows map[SensorType][]int64 // rolling windows of accepted timestamps (ms)
}

// NewValidator creates a Validator using the given clock.
func NewValidator(clock timeutil.Clock) *Validator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Validator{
		clock:   clock,
		windows: make(map[SensorType][]int64),
	}
}

// Validate checks a frame against the acceptance rules. On success the
// frame's timestamp is recorded for the rolling rate check; on failure a
// *ValidationError is returned and the frame must not enter processing.
func (v *Validator) Validate(f *SensorFrame) error {
	if f.DeviceID == "" {
		return Validationf(CodeEmptyDeviceID, "frame has no device id")
	}

	switch f.SensorType {
	case SensorIMU:
		if len(f.RawValues) != IMUChannelCount {
			return Validationf(CodeBadChannelCount,
				"imu frame has %d readings, want %d", len(f.RawValues), IMUChannelCount)
		}
	case SensorToF:
		if len(f.RawValues) < ToFMinChannels {
			return Validationf(CodeBadChannelCount,
				"tof frame has no distance readings")
		}
	default:
		return Validationf(CodeUnknownSensor, "unknown sensor type %q", f.SensorType)
	}

	nowMs := v.clock.Now().UnixMilli()
	if f.TimestampMs < nowMs-MaxPastSkew.Milliseconds() {
		return Validationf(CodeTimestampSkew,
			"timestamp %d is more than %s in the past", f.TimestampMs, MaxPastSkew)
	}
	if f.TimestampMs > nowMs+MaxFutureSkew.Milliseconds() {
		return Validationf(CodeTimestampSkew,
			"timestamp %d is more than %s in the future", f.TimestampMs, MaxFutureSkew)
	}

	if err := v.checkRate(f); err != nil {
		return err
	}

	v.record(f.SensorType, f.TimestampMs)
	return nil
}

// checkRate verifies the observed sampling rate over the rolling window is
// within RateToleranceHz of the sensor's nominal rate.
func (v *Validator) checkRate(f *SensorFrame) error {
	window := v.windows[f.SensorType]
	if len(window) < rateWindowSize {
		return nil // not enough history yet
	}

	spanMs := f.TimestampMs - window[0]
	if spanMs <= 0 {
		return Validationf(CodeRateOutOfBounds,
			"timestamp %d does not advance past window start %d", f.TimestampMs, window[0])
	}

	observedHz := float64(len(window)) * 1000.0 / float64(spanMs)
	nominal := IMUNominalHz
	if f.SensorType == SensorToF {
		nominal = ToFNominalHz
	}

	if observedHz < nominal-RateToleranceHz || observedHz > nominal+RateToleranceHz {
		return Validationf(CodeRateOutOfBounds,
			"observed %s rate %.2f Hz outside %.0f±%.0f Hz", f.SensorType, observedHz, nominal, RateToleranceHz)
	}
	return nil
}

func (v *Validator) record(st SensorType, tsMs int64) {
	window := append(v.windows[st], tsMs)
	if len(window) > rateWindowSize {
		window = window[len(window)-rateWindowSize:]
	}
	v.windows[st] = window
}
