// Package rtt implements the Jacobson/Karn round-trip time estimator
// that drives every retransmission timer in a Ferry session.
package rtt

import (
	"errors"
	"time"
)

const (
	// RxtMin is the retransmission timeout floor in milliseconds
	RxtMin = 1000

	// RxtMax is the retransmission timeout ceiling in milliseconds
	RxtMax = 60000

	// MaxRexmt is the number of retransmissions before a session gives up
	MaxRexmt = 12
)

// ErrGaveUp is returned by Timeout once MaxRexmt retransmissions of the
// same segment have expired.
var ErrGaveUp = errors.New("rtt: retransmission limit reached")

// Estimator keeps the smoothed round-trip state for one session.
//
// srtt is stored at eight times its real value and rttvar at four times
// its real value, so the update runs on integer arithmetic:
//
//	err     = sample - (srtt / 8)
//	srtt   += err
//	|err|  -= (rttvar / 4)
//	rttvar += |err|
//	rto     = (srtt / 8) + rttvar
//
// Timestamps are milliseconds since the estimator was created, offset
// by one so a valid timestamp is never 0. Ts 0 marks a segment that
// must not produce an RTT sample (Karn's rule on retransmissions).
type Estimator struct {
	base   time.Time
	srtt   int32
	rttvar int32
	rto    uint32
	nrexmt int
}

// NewEstimator returns an estimator whose first RTO is 3000 ms.
func NewEstimator() *Estimator {
	e := &Estimator{
		base:   time.Now(),
		srtt:   0,
		rttvar: 3000,
	}
	e.rto = clamp((e.srtt >> 3) + e.rttvar)
	return e
}

// Ts returns the current timestamp in milliseconds. The result is
// always at least 1.
func (e *Estimator) Ts() uint32 {
	return uint32(time.Since(e.base).Milliseconds()) + 1
}

// NewPack resets the retransmission counter for a new in-flight segment.
func (e *Estimator) NewPack() {
	e.nrexmt = 0
}

// Start returns the duration to arm the retransmission timer with.
func (e *Estimator) Start() time.Duration {
	return time.Duration(e.rto) * time.Millisecond
}

// Stop feeds a measured round-trip sample, in milliseconds, into the
// estimators and recomputes the RTO.
func (e *Estimator) Stop(sample uint32) {
	delta := int32(sample) - (e.srtt >> 3)
	e.srtt += delta
	if delta < 0 {
		delta = -delta
	}
	delta -= e.rttvar >> 2
	e.rttvar += delta
	e.rto = clamp((e.srtt >> 3) + e.rttvar)
}

// Timeout doubles the RTO, clamped to the ceiling, and counts the
// retransmission. It returns ErrGaveUp once the segment has been
// retransmitted MaxRexmt times.
func (e *Estimator) Timeout() error {
	e.rto = clamp(int32(e.rto) << 1)
	e.nrexmt++
	if e.nrexmt > MaxRexmt {
		return ErrGaveUp
	}
	return nil
}

// RTO returns the current retransmission timeout in milliseconds.
func (e *Estimator) RTO() uint32 {
	return e.rto
}

// Nrexmt returns the retransmission count of the current in-flight
// segment.
func (e *Estimator) Nrexmt() int {
	return e.nrexmt
}

func clamp(rto int32) uint32 {
	if rto < RxtMin {
		return RxtMin
	}
	if rto > RxtMax {
		return RxtMax
	}
	return uint32(rto)
}
