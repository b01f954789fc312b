package lib

import "time"

// rttEstimator computes the retransmission timeout from smoothed round-trip
// time samples (Jacobson/Karels, alpha=0.125, beta=0.25). Samples measured on
// retransmitted segments never reach it (Karn's rule); the send buffer filters
// them out before calling addSample.
type rttEstimator struct {
	srtt        time.Duration
	rttvar      time.Duration
	rto         time.Duration
	minTimeout  time.Duration
	maxTimeout  time.Duration
	hasEstimate bool
}

const (
	rttAlphaNum = 1 // alpha = 1/8
	rttAlphaDen = 8
	rttBetaNum  = 1 // beta = 1/4
	rttBetaDen  = 4
)

func newRttEstimator(initial, min, max time.Duration) *rttEstimator {
	return &rttEstimator{
		rto:        initial,
		minTimeout: min,
		maxTimeout: max,
	}
}

// addSample folds one fresh round-trip sample into the estimate and
// recomputes the timeout.
func (e *rttEstimator) addSample(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !e.hasEstimate {
		e.srtt = sample
		e.rttvar = sample / 2
		e.hasEstimate = true
	} else {
		diff := e.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = e.rttvar - e.rttvar*rttBetaNum/rttBetaDen + diff*rttBetaNum/rttBetaDen
		e.srtt = e.srtt - e.srtt*rttAlphaNum/rttAlphaDen + sample*rttAlphaNum/rttAlphaDen
	}

	e.rto = e.clamp(e.srtt + 4*e.rttvar)
}

// timeout is the current retransmission timeout value.
func (e *rttEstimator) timeout() time.Duration {
	return e.rto
}

// backoff doubles the timeout after an expiry, capped at the configured
// maximum, so sustained congestion cannot trigger a retransmission storm.
func (e *rttEstimator) backoff() {
	e.rto = e.clamp(2 * e.rto)
}

func (e *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < e.minTimeout {
		return e.minTimeout
	}
	if d > e.maxTimeout {
		return e.maxTimeout
	}
	return d
}
