// Package invalidation defines the cache invalidation message broadcast to
// every replica and the Kafka publisher that emits it.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event asks every replica to drop cache entries carrying any of Tags.
// Version increases per Source; replicas ignore versions they already applied.
type Event struct {
	Version uint64    `json:"version"`
	Tags    []string  `json:"tags"`
	Source  string    `json:"source"`
	TS      time.Time `json:"ts"`
	Reason  string    `json:"reason,omitempty"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be >= 1")
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	if len(e.Tags) == 0 {
		return errors.New("at least one tag is required")
	}
	for i, t := range e.Tags {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("tag %d is blank", i)
		}
	}
	return nil
}
