// Package face matches a live face descriptor against a voter's enrolled
// template. Descriptors are produced client-side; this package only measures
// distance between them.
package face

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MatchThreshold is the Euclidean distance below which two descriptors are
// considered the same person. A distance equal to the threshold does not
// match.
const MatchThreshold = 0.4

// ErrDimensionMismatch is returned when the compared descriptors have
// different lengths.
var ErrDimensionMismatch = errors.New("descriptor dimensions do not match")

// ParseDescriptor decodes a JSON number array into a descriptor.
func ParseDescriptor(data string) ([]float64, error) {
	var descriptor []float64
	if err := json.Unmarshal([]byte(data), &descriptor); err != nil {
		return nil, fmt.Errorf("parsing face descriptor: %w", err)
	}
	if len(descriptor) == 0 {
		return nil, errors.New("face descriptor is empty")
	}
	return descriptor, nil
}

// EncodeDescriptor encodes a descriptor for storage.
func EncodeDescriptor(descriptor []float64) (string, error) {
	if len(descriptor) == 0 {
		return "", errors.New("face descriptor is empty")
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("encoding face descriptor: %w", err)
	}
	return string(data), nil
}

// Distance computes the Euclidean distance between two descriptors.
func Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Verify compares a live descriptor against the enrolled template and
// reports whether they match, along with the measured distance.
func Verify(enrolled, live []float64) (bool, float64, error) {
	distance, err := Distance(enrolled, live)
	if err != nil {
		return false, 0, err
	}
	return distance < MatchThreshold, distance, nil
}
