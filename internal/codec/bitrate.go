package codec

// Bitrate bounds and step size from spec.md §4.5's adaptive control loop.
const (
	MinBitrateBPS  = 6000
	MaxBitrateBPS  = 64000
	BitrateStepBPS = 1000

	LossHighThreshold = 0.10
	LossLowThreshold   = 0.01
)

// bitrateController walks the encoder's target bitrate up or down by one
// step per Update call, based on the observed loss rate crossing the
// high/low thresholds. It never pushes the encoder itself; callers apply
// the returned value.
type bitrateController struct {
	current int
}

func newBitrateController(initial int) *bitrateController {
	return &bitrateController{current: clampBitrate(initial)}
}

func clampBitrate(b int) int {
	if b < MinBitrateBPS {
		return MinBitrateBPS
	}
	if b > MaxBitrateBPS {
		return MaxBitrateBPS
	}
	return b
}

// Update applies one step of adjustment for the latest observed loss rate
// and returns the new target bitrate.
func (c *bitrateController) Update(lossRate float64) int {
	switch {
	case lossRate > LossHighThreshold:
		c.current -= BitrateStepBPS
	case lossRate < LossLowThreshold:
		c.current += BitrateStepBPS
	}
	c.current = clampBitrate(c.current)
	return c.current
}

// Current returns the controller's present target without adjusting it.
func (c *bitrateController) Current() int { return c.current }
