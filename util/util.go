// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// CSVToIntSlice is the inverse of IntSliceToCSV.  Whitespace around each
// field is ignored, so "0, 2, 1000" parses the same as "0,2,1000"
func CSVToIntSlice(s string) ([]int, error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, nil
	}
	pieces := strings.Split(s, ",")
	out := make([]int, len(pieces))
	for i, p := range pieces {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %w", i, p, err)
		}
		out[i] = v
	}
	return out, nil
}

// SetBit sets the bit at index bitIndex (0 = LSB) of b to value
func SetBit(b byte, bitIndex uint, value bool) byte {
	if value {
		return b | (1 << bitIndex)
	}
	return b &^ (1 << bitIndex)
}

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// Clamp limits input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// UniqueString returns the unique strings in the input, in order of first appearance
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
