package failover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/market"
)

// ErrExhausted marks a fetch where every ranked source failed and no cached
// value was fresh enough to serve. Match it with errors.Is.
var ErrExhausted = errors.New("all sources exhausted")

// Attempt records one failed source try inside an exhausted fetch.
type Attempt struct {
	Source string
	Err    error
}

// ExhaustionError aggregates the per-source failures behind ErrExhausted so
// callers can log what actually went wrong at each venue.
type ExhaustionError struct {
	Kind     market.DataKind
	Key      string
	Attempts []Attempt
}

func (e *ExhaustionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s: all sources exhausted", e.Kind, e.Key)
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s: %v", a.Source, a.Err)
	}
	return sb.String()
}

func (e *ExhaustionError) Unwrap() error { return ErrExhausted }
