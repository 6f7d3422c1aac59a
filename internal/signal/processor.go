package signal

import (
	"math"
	"sync"
	"time"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// stdDevFloor guards anomaly detection on near-constant signals: a window
// whose spread is below this never flags.
const stdDevFloor = 1e-9

// Config holds the tunables of the signal processor.
type Config struct {
	// ProcessNoise (Q) and MeasurementNoise (R) seed each device's
	// per-channel Kalman filters.
	ProcessNoise     float64
	MeasurementNoise float64

	// SigmaMultiplier scales the windowed standard deviation in the
	// anomaly test.
	SigmaMultiplier float64

	// WindowFraction sizes the trailing windows as a fraction of the
	// expected samples in a session (fraction * session length * rate).
	WindowFraction float64

	// SessionLength is the configured nominal session duration.
	SessionLength time.Duration

	// DeviceCacheSize caps how many devices hold smoothing state at
	// once; the least recently seen device is evicted beyond it.
	DeviceCacheSize int
}

const defaultDeviceCacheSize = 2048

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:     0.1,
		MeasurementNoise: 0.1,
		SigmaMultiplier:  2.0,
		WindowFraction:   0.05,
		SessionLength:    5 * time.Minute,
		DeviceCacheSize:  defaultDeviceCacheSize,
	}
}

// channelState is the per-channel smoothing state.
type channelState struct {
	kalman    *ScalarKalman
	smoothing *TrailingWindow // kalman outputs, for the moving average
	raw       *TrailingWindow // raw values, for anomaly statistics
}

// deviceState owns all smoothing state for one device. Frames from a
// single device arrive in order (per-connection FIFO), so the per-device
// mutex only guards against a device reconnecting on another connection.
type deviceState struct {
	mu       sync.Mutex
	calib    *CalibrationState
	channels map[telemetry.SensorType][]*channelState
}

// Processor smooths accepted frames and derives confidence and anomaly
// flags. Safe for concurrent use across devices. Per-device state lives
// in a fixed-capacity LRU so an unbounded device population cannot grow
// memory without bound; an evicted device restarts calibration from
// scratch on its next frame.
type Processor struct {
	cfg   Config
	clock timeutil.Clock

	mu      sync.Mutex
	devices *deviceCache
}

// NewProcessor creates a Processor with the given configuration.
func NewProcessor(cfg Config, clock timeutil.Clock) *Processor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.SigmaMultiplier <= 0 {
		cfg.SigmaMultiplier = 2.0
	}
	if cfg.WindowFraction <= 0 {
		cfg.WindowFraction = 0.05
	}
	if cfg.DeviceCacheSize <= 0 {
		cfg.DeviceCacheSize = defaultDeviceCacheSize
	}
	return &Processor{
		cfg:     cfg,
		clock:   clock,
		devices: newDeviceCache(cfg.DeviceCacheSize),
	}
}

// windowSize derives the trailing window length for a sensor type from the
// configured session length and the sensor's nominal rate.
func (p *Processor) windowSize(st telemetry.SensorType) int {
	rate := telemetry.IMUNominalHz
	if st == telemetry.SensorToF {
		rate = telemetry.ToFNominalHz
	}
	n := int(p.cfg.WindowFraction * p.cfg.SessionLength.Seconds() * rate)
	if n < 2 {
		n = 2
	}
	return n
}

// SeedDevice creates calibration state for a device at session start. It
// is a no-op if state already exists (reconnects keep their calibration).
func (p *Processor) SeedDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices.get(deviceID); ok {
		return
	}
	p.insertLocked(deviceID)
}

// ForgetDevice drops all smoothing state for a device. Called when its
// session is finalized.
func (p *Processor) ForgetDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices.remove(deviceID)
}

// Calibration returns the device's calibration state, nil if unseeded.
func (p *Processor) Calibration(deviceID string) *CalibrationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.devices.get(deviceID); ok {
		return st.calib
	}
	return nil
}

// DeviceCount reports how many devices currently hold smoothing state.
func (p *Processor) DeviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices.len()
}

func (p *Processor) device(deviceID string) *deviceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.devices.get(deviceID); ok {
		return st
	}
	return p.insertLocked(deviceID)
}

func (p *Processor) insertLocked(deviceID string) *deviceState {
	st := &deviceState{
		calib:    NewCalibrationState(deviceID, p.cfg.ProcessNoise, p.cfg.MeasurementNoise, p.clock.Now()),
		channels: make(map[telemetry.SensorType][]*channelState),
	}
	p.devices.put(deviceID, st)
	return st
}

// Process smooths one validated frame and returns the derived sample.
// ProcessingLatencyMs is filled in by the pipeline once the full
// validate-smooth-aggregate path has been timed.
func (p *Processor) Process(sessionID string, f *telemetry.SensorFrame) *telemetry.ProcessedSample {
	st := p.device(f.DeviceID)

	st.mu.Lock()
	defer st.mu.Unlock()

	channels := st.channels[f.SensorType]
	for len(channels) < len(f.RawValues) {
		size := p.windowSize(f.SensorType)
		channels = append(channels, &channelState{
			kalman:    NewScalarKalman(st.calib.ProcessNoise, st.calib.MeasurementNoise),
			smoothing: NewTrailingWindow(size),
			raw:       NewTrailingWindow(size),
		})
	}
	st.channels[f.SensorType] = channels

	smoothed := make([]float64, len(f.RawValues))
	var confidenceSum float64
	anomaly := false

	for i, raw := range f.RawValues {
		ch := channels[i]

		// Anomaly test runs on the raw value against the window of prior
		// raw values, before this value joins the window.
		if ch.raw.Count() >= 2 {
			mean := ch.raw.Mean()
			stddev := ch.raw.StdDev()
			if stddev > stdDevFloor && math.Abs(raw-mean) > p.cfg.SigmaMultiplier*stddev {
				anomaly = true
			}
		}
		ch.raw.Push(raw)

		estimate := ch.kalman.Update(raw)
		ch.smoothing.Push(estimate)
		smoothed[i] = ch.smoothing.Mean()

		confidenceSum += confidence(smoothed[i], raw)
	}

	st.calib.Touch(p.clock.Now())

	conf := 1.0
	if len(f.RawValues) > 0 {
		conf = confidenceSum / float64(len(f.RawValues))
	}

	return &telemetry.ProcessedSample{
		DeviceID:       f.DeviceID,
		SessionID:      sessionID,
		SensorType:     f.SensorType,
		TimestampMs:    f.TimestampMs,
		SmoothedValues: smoothed,
		Confidence:     conf,
		IsAnomaly:      anomaly,
	}
}

// confidence scores how closely the smoothed value tracks the raw one:
// max(0, 1-|smoothed-raw|/|raw|). A zero raw value scores 1 when the
// smoothed value is also ~zero and 0 otherwise.
func confidence(smoothed, raw float64) float64 {
	if raw == 0 {
		if math.Abs(smoothed) < stdDevFloor {
			return 1
		}
		return 0
	}
	c := 1 - math.Abs(smoothed-raw)/math.Abs(raw)
	if c < 0 {
		return 0
	}
	return c
}
