package config

import (
	"fmt"
	"math/bits"
	"slices"
)

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type ordered interface {
	integer | ~float32 | ~float64
}

// CheckNotNegative checks that the value is not negative.
// If it is, an anomaly is added to the anomaly collector and the value is set to the fallback.
func CheckNotNegative[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	val := *actual
	if val < 0 {
		ac.add(field, "cannot be negative", val, fallback)
		*actual = fallback
	}
}

// CheckNotZero checks that the value is not zero.
// If it is, an anomaly is added to the anomaly collector and the value is set to the fallback.
func CheckNotZero[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	val := *actual
	if val == 0 {
		ac.add(field, "cannot be zero", val, fallback)
		*actual = fallback
	}
}

// CheckNotLower checks that the value is not lower than the target.
// If it is, an anomaly is added to the anomaly collector and the value is set to the target.
func CheckNotLower[T ordered](ac *AnomalyCollector, field string, actual *T, target T) {
	val := *actual
	if val < target {
		ac.add(field, fmt.Sprintf("cannot be lower than %v", target), val, target)
		*actual = target
	}
}

// CheckNotLowerThan checks that the value is not lower than the target.
// If it is, an anomaly is added to the anomaly collector and the value is set to the target.
func CheckNotLowerThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	val := *actual
	if val < target {
		ac.add(field, fmt.Sprintf("cannot be lower than %q", targetField), val, target)
		*actual = target
	}
}

// CheckNotGreaterThan checks that the value is not greater than the target.
// If it is, an anomaly is added to the anomaly collector and the value is set to the target.
func CheckNotGreaterThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	val := *actual
	if val > target {
		ac.add(field, fmt.Sprintf("cannot be greater than %q", targetField), val, target)
		*actual = target
	}
}

// CheckNotEmpty checks that the value is not empty.
// If it is, an anomaly is added to the anomaly collector and the value is set to the fallback.
func CheckNotEmpty(ac *AnomalyCollector, field string, actual *string, fallback string) {
	val := *actual
	if val == "" {
		ac.add(field, "cannot be empty", val, fallback)
		*actual = fallback
	}
}

// CheckLen checks that the value is not empty.
// If it is, an anomaly is added to the anomaly collector and the value is set to the fallback.
func CheckLen[T any](ac *AnomalyCollector, field string, actual *[]T, fallback []T) {
	val := *actual
	if len(val) == 0 {
		ac.add(field, "cannot be empty", val, fallback)
		*actual = fallback
	}
}

// CheckNotGreater checks that the value is not greater than the limit.
// If it is, an anomaly is added to the anomaly collector and the value is set to the limit.
func CheckNotGreater[T ordered](ac *AnomalyCollector, field string, actual *T, limit T) {
	val := *actual
	if val > limit {
		ac.add(field, fmt.Sprintf("cannot be greater than %v", limit), val, limit)
		*actual = limit
	}
}

// CheckPowerOf2 checks that the (positive) value is a power of two.
// If it is not, an anomaly is added to the anomaly collector and the value
// is rounded up to the next power of two.
func CheckPowerOf2[T integer](ac *AnomalyCollector, field string, actual *T) {
	val := *actual
	if val <= 0 || val&(val-1) == 0 {
		return
	}

	rounded := T(1) << bits.Len64(uint64(val-1))
	ac.add(field, "must be a power of two", val, rounded)
	*actual = rounded
}

// CheckOneOf checks that the value is one of the allowed ones.
// If it is not, an anomaly is added to the anomaly collector and the value is set to the fallback.
func CheckOneOf[T comparable](ac *AnomalyCollector, field string, actual *T, allowed []T, fallback T) {
	val := *actual
	if !slices.Contains(allowed, val) {
		ac.add(field, fmt.Sprintf("must be one of %v", allowed), val, fallback)
		*actual = fallback
	}
}
