package lib

import (
	"testing"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},
		{seq1: 5, seq2: 10, expected: false},
		{seq1: 5, seq2: 4294967295, expected: true},           // wrap-around
		{seq1: 4294967295, seq2: 5, expected: false},          // wrap-around
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // close to the signed boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // close to the signed boundary
		{seq1: 0, seq2: 4294967295, expected: true},
		{seq1: 4294967295, seq2: 0, expected: false},
		{seq1: 7, seq2: 7, expected: false},
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestSeqDiff(t *testing.T) {
	testCases := []struct {
		a        uint32
		b        uint32
		expected int
	}{
		{a: 100, b: 40, expected: 60},
		{a: 40, b: 100, expected: -60},
		{a: 5, b: 4294967291, expected: 10}, // a wrapped past zero
		{a: 4294967291, b: 5, expected: -10},
		{a: 0, b: 0, expected: 0},
	}

	for _, tc := range testCases {
		result := seqDiff(tc.a, tc.b)
		if result != tc.expected {
			t.Errorf("seqDiff(%d, %d): expected %d, got %d", tc.a, tc.b, tc.expected, result)
		}
	}
}

func TestSeqInWindow(t *testing.T) {
	testCases := []struct {
		seq      uint32
		base     uint32
		size     int
		expected bool
	}{
		{seq: 100, base: 100, size: 10, expected: true},
		{seq: 109, base: 100, size: 10, expected: true},
		{seq: 110, base: 100, size: 10, expected: false},
		{seq: 99, base: 100, size: 10, expected: false},
		{seq: 2, base: 4294967294, size: 10, expected: true}, // window spans the wrap
		{seq: 100, base: 100, size: 0, expected: false},
	}

	for _, tc := range testCases {
		result := seqInWindow(tc.seq, tc.base, tc.size)
		if result != tc.expected {
			t.Errorf("seqInWindow(%d, %d, %d): expected %t, got %t", tc.seq, tc.base, tc.size, tc.expected, result)
		}
	}
}
