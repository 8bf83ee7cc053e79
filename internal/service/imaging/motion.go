package imaging

import (
	"sync"

	"gocv.io/x/gocv"

	"framebroker/internal/dto"
	"framebroker/internal/logger"
)

// pixelDelta is the gray level change that counts a pixel as moved.
const pixelDelta = 30

type sourceState struct {
	previous    gocv.Mat
	hasPrevious bool
	mutex       sync.Mutex
}

// MotionDetector compares each sampled frame with the previous sample of
// the same source.
type MotionDetector struct {
	threshold   int
	states      map[string]*sourceState
	statesMutex sync.RWMutex
	logger      *logger.Logger
}

// NewMotionDetector reports motion when more than threshold pixels changed.
func NewMotionDetector(threshold int, logger *logger.Logger) *MotionDetector {
	return &MotionDetector{
		threshold: threshold,
		states:    make(map[string]*sourceState),
		logger:    logger,
	}
}

// DetectMotion returns the number of changed pixels and whether it exceeds
// the threshold. The first frame of a source only primes its state. A size
// change restarts the comparison.
func (d *MotionDetector) DetectMotion(frame dto.RawFrame, source string) (int, bool, error) {
	state := d.state(source)
	state.mutex.Lock()
	defer state.mutex.Unlock()

	mat, err := toMat(frame)
	if err != nil {
		return 0, false, err
	}
	gray, err := toGray(mat, frame.Channels)
	mat.Close()
	if err != nil {
		return 0, false, err
	}

	if !state.hasPrevious || state.previous.Rows() != gray.Rows() || state.previous.Cols() != gray.Cols() {
		if state.hasPrevious {
			state.previous.Close()
		}
		state.previous = gray
		state.hasPrevious = true
		d.logger.Info("Initialized motion detection for %s", source)
		return 0, false, nil
	}

	diff := gocv.NewMat()
	defer diff.Close()
	if err := gocv.AbsDiff(state.previous, gray, &diff); err != nil {
		gray.Close()
		return 0, false, err
	}

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, pixelDelta, 255, gocv.ThresholdBinary)

	changed := gocv.CountNonZero(thresh)

	state.previous.Close()
	state.previous = gray

	return changed, changed > d.threshold, nil
}

// Close releases the stored frames.
func (d *MotionDetector) Close() {
	d.statesMutex.Lock()
	defer d.statesMutex.Unlock()
	for source, state := range d.states {
		state.mutex.Lock()
		if state.hasPrevious {
			state.previous.Close()
			state.hasPrevious = false
		}
		state.mutex.Unlock()
		delete(d.states, source)
	}
}

func (d *MotionDetector) state(source string) *sourceState {
	d.statesMutex.RLock()
	state, exists := d.states[source]
	d.statesMutex.RUnlock()
	if exists {
		return state
	}

	d.statesMutex.Lock()
	defer d.statesMutex.Unlock()
	if state, exists := d.states[source]; exists {
		return state
	}
	state = &sourceState{}
	d.states[source] = state
	return state
}
