package market

import "time"

// Staleness buckets classify the age of a cached value for UI badges.
type Staleness string

const (
	StalenessFresh      Staleness = "fresh"
	StalenessAcceptable Staleness = "acceptable"
	StalenessStale      Staleness = "stale"
	StalenessVeryStale  Staleness = "very-stale"
	StalenessExpired    Staleness = "expired"
)

// Band boundaries. A value under 10s old is fresh, under a minute acceptable,
// and so on; past an hour it is expired.
const (
	freshCutoff      = 10 * time.Second
	acceptableCutoff = time.Minute
	staleCutoff      = 5 * time.Minute
	veryStaleCutoff  = time.Hour
)

// StalenessFor classifies an age into its band.
func StalenessFor(age time.Duration) Staleness {
	switch {
	case age < freshCutoff:
		return StalenessFresh
	case age < acceptableCutoff:
		return StalenessAcceptable
	case age < staleCutoff:
		return StalenessStale
	case age < veryStaleCutoff:
		return StalenessVeryStale
	default:
		return StalenessExpired
	}
}

// ConfidenceFor maps an age to a display trust score. It is a step function
// over the staleness bands and is used only for UI badges, never for
// control flow.
func ConfidenceFor(age time.Duration) float64 {
	switch StalenessFor(age) {
	case StalenessFresh:
		return 0.95
	case StalenessAcceptable:
		return 0.8
	case StalenessStale:
		return 0.5
	case StalenessVeryStale:
		return 0.2
	default:
		return 0.05
	}
}

// MetaFor derives the freshness metadata for a value fetched at fetchedAt
// from the given source. Derived fields are computed against now.
func MetaFor(source string, reality Reality, fetchedAt, now time.Time) Meta {
	age := now.Sub(fetchedAt)
	if age < 0 {
		age = 0
	}
	return Meta{
		Source:     source,
		Reality:    reality,
		Timestamp:  fetchedAt,
		Age:        age,
		IsStale:    StalenessFor(age) != StalenessFresh,
		Confidence: ConfidenceFor(age),
	}
}

// Unavailable is the Meta for a value that could not be served at all.
func Unavailable() Meta {
	return Meta{Reality: RealityUnavailable}
}
