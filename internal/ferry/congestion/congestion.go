// Package congestion implements the classic slow-start /
// congestion-avoidance / fast-retransmit-and-recovery controller that
// paces a Ferry sender.
package congestion

import (
	"go.uber.org/zap"
)

// IWnd is the initial congestion window in segments
const IWnd = 1

// State identifies the controller phase, for logs and tests.
type State int

const (
	StateSlowStart State = iota
	StateAvoidance
	StateFastRecovery
)

func (s State) String() string {
	switch s {
	case StateSlowStart:
		return "SLOW_START"
	case StateAvoidance:
		return "CONGESTION_AVOIDANCE"
	case StateFastRecovery:
		return "FAST_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Controller holds the congestion state of one sending session. The
// effective send budget is min(cwnd, awnd); cwnd never leaves
// [1, mwnd].
type Controller struct {
	log *zap.Logger

	lastAck uint32
	thisAck uint32
	dupC    uint32
	caC     uint16

	awnd     uint16
	iwnd     uint16
	mwnd     uint16
	cwnd     uint16
	ssthresh uint16

	fastRecovery bool
}

// NewController initializes congestion state from the receiver's
// advertised window and the configured maximum window. ssthresh starts
// at awnd.
func NewController(awnd, mwnd uint16, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		log:      log,
		lastAck:  1,
		thisAck:  1,
		awnd:     awnd,
		iwnd:     IWnd,
		mwnd:     mwnd,
		cwnd:     IWnd,
		ssthresh: awnd,
	}
	c.log.Info("congestion control initialized",
		zap.Uint16("awnd", c.awnd),
		zap.Uint16("mwnd", c.mwnd),
		zap.Uint16("iwnd", c.iwnd),
		zap.Uint16("cwnd", c.cwnd),
		zap.Uint16("ssthresh", c.ssthresh))
	return c
}

// Window returns the number of segments that may be in flight right
// now: min(cwnd, awnd). Zero means the receiver window is closed and
// the sender must probe.
func (c *Controller) Window() uint16 {
	if c.cwnd < c.awnd {
		return c.cwnd
	}
	return c.awnd
}

// Cwnd returns the current congestion window.
func (c *Controller) Cwnd() uint16 { return c.cwnd }

// Ssthresh returns the current slow-start threshold.
func (c *Controller) Ssthresh() uint16 { return c.ssthresh }

// Awnd returns the last receiver-advertised window.
func (c *Controller) Awnd() uint16 { return c.awnd }

// State returns the current controller phase.
func (c *Controller) State() State {
	switch {
	case c.fastRecovery:
		return StateFastRecovery
	case c.cwnd < c.ssthresh:
		return StateSlowStart
	default:
		return StateAvoidance
	}
}

// OnAck feeds one received ACK into the controller: ack is the
// cumulative ACK value, wnd the advertised window, windowUpdate whether
// the WND flag was set. The return value tells the caller to
// immediately retransmit the head of the sender window (fast
// retransmit).
func (c *Controller) OnAck(ack uint32, wnd uint16, windowUpdate bool) bool {
	c.thisAck = ack
	c.awnd = wnd

	if c.thisAck == c.lastAck {
		c.dupC++
	} else {
		c.dupC = 0
	}
	if windowUpdate {
		// a window update is not evidence of loss
		c.dupC = 0
	}

	fastRetransmit := false
	switch {
	case c.dupC > 3 && c.fastRecovery:
		// keep transmitting while the hole is repaired
		c.cwnd = c.capped(uint32(c.cwnd) + 1)
		c.log.Info("fast recovery, duplicate ACK",
			zap.Uint32("ack", ack),
			zap.Uint16("cwnd", c.cwnd),
			zap.Uint16("ssthresh", c.ssthresh))
	case c.dupC == 3:
		c.ssthresh = c.cwnd >> 1
		if c.ssthresh < 1 {
			c.ssthresh = 1
		}
		c.fastRecovery = true
		fastRetransmit = true
		c.log.Info("fast retransmit, entering fast recovery",
			zap.Uint32("ack", ack),
			zap.Uint16("cwnd", c.cwnd),
			zap.Uint16("ssthresh", c.ssthresh))
	case c.dupC == 0 && c.fastRecovery:
		c.cwnd = c.ssthresh
		c.fastRecovery = false
		c.caC = 0
		c.log.Info("fast recovery done, entering congestion avoidance",
			zap.Uint32("ack", ack),
			zap.Uint16("cwnd", c.cwnd),
			zap.Uint16("ssthresh", c.ssthresh))
	case c.dupC == 0:
		if c.cwnd < c.ssthresh {
			c.slowStart()
		} else {
			c.avoid()
		}
	}

	c.lastAck = c.thisAck
	return fastRetransmit
}

// slowStart grows cwnd by the number of newly acknowledged segments.
// When that would cross ssthresh, the growth is split: cwnd reaches
// ssthresh exactly and the remaining credit runs through congestion
// avoidance.
func (c *Controller) slowStart() {
	acked := c.thisAck - c.lastAck
	if uint32(c.cwnd)+acked > uint32(c.ssthresh) {
		c.lastAck += uint32(c.ssthresh - c.cwnd)
		c.cwnd = c.capped(uint32(c.ssthresh))
		c.caC = 0
		c.log.Info("slow start crossed ssthresh",
			zap.Uint16("cwnd", c.cwnd),
			zap.Uint16("ssthresh", c.ssthresh))
		c.avoid()
		return
	}
	c.cwnd = c.capped(uint32(c.cwnd) + acked)
	c.log.Info("slow start",
		zap.Uint16("cwnd", c.cwnd),
		zap.Uint16("ssthresh", c.ssthresh))
}

// avoid accumulates good-ACK credit; every cwnd segments of credit buy
// one more segment of window.
func (c *Controller) avoid() {
	c.caC += uint16(c.thisAck - c.lastAck)
	for c.caC >= c.cwnd {
		c.caC -= c.cwnd
		c.cwnd = c.capped(uint32(c.cwnd) + 1)
	}
	c.log.Info("congestion avoidance",
		zap.Uint16("cwnd", c.cwnd),
		zap.Uint16("ssthresh", c.ssthresh),
		zap.Uint16("ca_c", c.caC))
}

// OnTimeout halves ssthresh, collapses cwnd to the initial window and
// clears the counters; the next good ACK restarts slow start.
func (c *Controller) OnTimeout() {
	c.ssthresh = c.cwnd >> 1
	if c.ssthresh < 1 {
		c.ssthresh = 1
	}
	c.cwnd = c.iwnd
	c.dupC = 0
	c.caC = 0
	c.fastRecovery = false
	c.log.Info("congestion timeout",
		zap.Uint16("cwnd", c.cwnd),
		zap.Uint16("ssthresh", c.ssthresh))
}

func (c *Controller) capped(w uint32) uint16 {
	if w > uint32(c.mwnd) {
		return c.mwnd
	}
	return uint16(w)
}
