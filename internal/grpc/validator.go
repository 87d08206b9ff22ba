package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/tejusbharadwaj/posterflow/internal/api"
)

const (
	maxTimeRange = 2 * 365 * 24 * time.Hour
	maxTopN      = 100
	dateLayout   = "2006-01-02"
)

type RequestValidator struct {
	entities map[string]bool
	loc      *time.Location
}

// NewRequestValidator accepts the given entity names and parses dates in loc.
func NewRequestValidator(entities []string, loc *time.Location) *RequestValidator {
	if loc == nil {
		loc = time.UTC
	}
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e] = true
	}
	return &RequestValidator{entities: known, loc: loc}
}

// Window parses a from/to pair of YYYY-MM-DD days. Two empty strings give
// the zero window.
func (v *RequestValidator) Window(from, to string) (api.Window, error) {
	if from == "" && to == "" {
		return api.Window{}, nil
	}
	if from == "" || to == "" {
		return api.Window{}, fmt.Errorf("missing date: both from and to are required")
	}

	start, err := time.ParseInLocation(dateLayout, from, v.loc)
	if err != nil {
		return api.Window{}, fmt.Errorf("invalid date: %q", from)
	}
	end, err := time.ParseInLocation(dateLayout, to, v.loc)
	if err != nil {
		return api.Window{}, fmt.Errorf("invalid date: %q", to)
	}

	if start.After(end) {
		return api.Window{}, fmt.Errorf("from must not be after to")
	}
	if end.Sub(start) > maxTimeRange {
		return api.Window{}, fmt.Errorf("date range exceeds maximum allowed")
	}
	return api.Window{From: start, To: end}, nil
}

// TopN accepts 0 (use the default) up to maxTopN.
func (v *RequestValidator) TopN(n int) error {
	if n < 0 || n > maxTopN {
		return fmt.Errorf("invalid top_n: %d (allowed 1..%d)", n, maxTopN)
	}
	return nil
}

func (v *RequestValidator) Entities(names []string) error {
	var unknown []string
	for _, n := range names {
		if !v.entities[n] {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("invalid entity: %s", strings.Join(unknown, ", "))
	}
	return nil
}
