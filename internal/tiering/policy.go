// Package tiering describes the age-based storage class policy applied to
// delivered objects. The durable store evaluates the policy itself; spillway
// only declares it.
package tiering

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage classes understood by the S3 lifecycle API and the local store.
const (
	ClassStandard   = "STANDARD"
	ClassStandardIA = "STANDARD_IA"
	ClassGlacier    = "GLACIER"
)

const day = 24 * time.Hour

// Transition moves objects to Class once they are AfterDays old.
type Transition struct {
	AfterDays int
	Class     string
}

// Policy is an ordered list of transitions. Objects younger than the first
// transition stay in ClassStandard.
type Policy struct {
	Transitions []Transition
}

// DefaultPolicy moves objects to infrequent access at 30 days and to the
// archive tier at 90 days.
func DefaultPolicy() Policy {
	return Policy{Transitions: []Transition{
		{AfterDays: 30, Class: ClassStandardIA},
		{AfterDays: 90, Class: ClassGlacier},
	}}
}

// Validate checks that transition ages are positive and strictly increasing
// and that every transition names a class.
func (p Policy) Validate() error {
	if len(p.Transitions) == 0 {
		return errors.New("tiering: policy has no transitions")
	}
	prev := 0
	for i, t := range p.Transitions {
		if strings.TrimSpace(t.Class) == "" {
			return fmt.Errorf("tiering: transition %d has no storage class", i)
		}
		if t.AfterDays <= prev {
			return fmt.Errorf("tiering: transition %d after %d days must be later than %d days", i, t.AfterDays, prev)
		}
		prev = t.AfterDays
	}
	return nil
}

// Age is how old an object must be before this transition applies.
func (t Transition) Age() time.Duration {
	return time.Duration(t.AfterDays) * day
}

// String renders the policy for startup logs, e.g. "30d->STANDARD_IA 90d->GLACIER".
func (p Policy) String() string {
	parts := make([]string, len(p.Transitions))
	for i, t := range p.Transitions {
		parts[i] = fmt.Sprintf("%dd->%s", t.AfterDays, t.Class)
	}
	return strings.Join(parts, " ")
}
