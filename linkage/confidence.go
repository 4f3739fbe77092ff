package linkage

import (
	"math"
	"time"
)

// DefaultReferenceScale is the delta at which a timestamp match's confidence reaches zero.
const DefaultReferenceScale = time.Hour

// Quality is the coarse bucket derived from a confidence score.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
	QualityNone   Quality = "none"
)

const (
	highConfidenceFloor   = 75
	mediumConfidenceFloor = 40
	explicitConfidence    = 100
)

// Confidence maps a time delta (seconds) to a score in [0,100], rounded to two decimals.
// The score falls linearly from 100 at delta 0 to 0 at delta >= scale.
func Confidence(delta, scale float64) float64 {
	if math.IsNaN(delta) || math.IsNaN(scale) {
		return 0
	}
	if scale <= 0 || math.IsInf(scale, 0) {
		if delta <= 0 {
			return explicitConfidence
		}
		return 0
	}
	c := 100 - 100*delta/scale
	c = math.Max(0, math.Min(100, c))
	return math.Round(c*100) / 100
}

// QualityFor buckets a confidence score.
func QualityFor(confidence float64) Quality {
	switch {
	case math.IsNaN(confidence):
		return QualityLow
	case confidence >= highConfidenceFloor:
		return QualityHigh
	case confidence >= mediumConfidenceFloor:
		return QualityMedium
	default:
		return QualityLow
	}
}

// MatchQuality is the bucket for an optional match; nil means unmatched.
func MatchQuality(m *Match) Quality {
	if m == nil {
		return QualityNone
	}
	return QualityFor(m.Confidence)
}
