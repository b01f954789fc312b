package lib

// Sequence numbers are byte offsets modulo 2^32. Comparisons must survive
// wraparound, so they look at the signed distance between the two values.

func seqIncrement(seq uint32) uint32 {
	return seq + 1
}

func seqAdd(seq uint32, n int) uint32 {
	return seq + uint32(n)
}

// seqDiff returns a-b as a signed distance. Valid while the two numbers are
// within half the sequence space of each other.
func seqDiff(a, b uint32) int {
	return int(int32(a - b))
}

func isGreater(a, b uint32) bool {
	return seqDiff(a, b) > 0
}

func isGreaterOrEqual(a, b uint32) bool {
	return seqDiff(a, b) >= 0
}

func isLess(a, b uint32) bool {
	return seqDiff(a, b) < 0
}

func isLessOrEqual(a, b uint32) bool {
	return seqDiff(a, b) <= 0
}

// seqInWindow reports whether seq falls in [base, base+size).
func seqInWindow(seq, base uint32, size int) bool {
	d := seqDiff(seq, base)
	return d >= 0 && d < size
}
