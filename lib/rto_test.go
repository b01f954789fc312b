package lib

import (
	"testing"
	"time"
)

func TestRttFirstSample(t *testing.T) {
	e := newRttEstimator(1*time.Second, 200*time.Millisecond, 60*time.Second)

	if e.timeout() != 1*time.Second {
		t.Fatalf("initial timeout: expected 1s, got %s", e.timeout())
	}

	e.addSample(500 * time.Millisecond)

	if e.srtt != 500*time.Millisecond {
		t.Errorf("srtt after first sample: expected 500ms, got %s", e.srtt)
	}
	if e.rttvar != 250*time.Millisecond {
		t.Errorf("rttvar after first sample: expected 250ms, got %s", e.rttvar)
	}
	// RTO = SRTT + 4*RTTVAR = 500ms + 1s = 1.5s
	if e.timeout() != 1500*time.Millisecond {
		t.Errorf("timeout after first sample: expected 1.5s, got %s", e.timeout())
	}
}

func TestRttSmoothing(t *testing.T) {
	e := newRttEstimator(1*time.Second, 1*time.Millisecond, 60*time.Second)

	e.addSample(800 * time.Millisecond)
	e.addSample(400 * time.Millisecond)

	// srtt = 800 - 800/8 + 400/8 = 750ms
	if e.srtt != 750*time.Millisecond {
		t.Errorf("smoothed srtt: expected 750ms, got %s", e.srtt)
	}
	// rttvar = 400 - 400/4 + |800-400|/4 = 400ms
	if e.rttvar != 400*time.Millisecond {
		t.Errorf("smoothed rttvar: expected 400ms, got %s", e.rttvar)
	}
	if e.timeout() != 750*time.Millisecond+4*400*time.Millisecond {
		t.Errorf("timeout: expected 2.35s, got %s", e.timeout())
	}
}

func TestRttClamping(t *testing.T) {
	e := newRttEstimator(1*time.Second, 200*time.Millisecond, 2*time.Second)

	// a tiny stable RTT must not push the timeout below the floor
	for i := 0; i < 20; i++ {
		e.addSample(1 * time.Millisecond)
	}
	if e.timeout() != 200*time.Millisecond {
		t.Errorf("floor clamp: expected 200ms, got %s", e.timeout())
	}

	// a huge RTT must not push it above the ceiling
	e.addSample(10 * time.Second)
	if e.timeout() != 2*time.Second {
		t.Errorf("ceiling clamp: expected 2s, got %s", e.timeout())
	}
}

func TestRttBackoff(t *testing.T) {
	e := newRttEstimator(1*time.Second, 200*time.Millisecond, 5*time.Second)

	e.backoff()
	if e.timeout() != 2*time.Second {
		t.Errorf("after one backoff: expected 2s, got %s", e.timeout())
	}
	e.backoff()
	if e.timeout() != 4*time.Second {
		t.Errorf("after two backoffs: expected 4s, got %s", e.timeout())
	}
	e.backoff()
	if e.timeout() != 5*time.Second {
		t.Errorf("backoff must cap at the maximum, got %s", e.timeout())
	}
}

func TestRttNegativeSampleIgnored(t *testing.T) {
	e := newRttEstimator(1*time.Second, 200*time.Millisecond, 60*time.Second)
	e.addSample(-5 * time.Millisecond)
	if e.hasEstimate {
		t.Error("negative sample must be discarded")
	}
	if e.timeout() != 1*time.Second {
		t.Errorf("timeout changed by a discarded sample: %s", e.timeout())
	}
}
