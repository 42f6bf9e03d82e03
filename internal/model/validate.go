package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks an event against the canonical schema. Adapters skip events
// that fail validation instead of failing the whole group.
func (e *CanonicalEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("event %q: field %s failed %q", e.PlatformID, f.Field(), f.Tag())
		}
		return fmt.Errorf("event %q: %w", e.PlatformID, err)
	}
	if e.StartTime.IsZero() {
		return fmt.Errorf("event %q: missing start time", e.PlatformID)
	}
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return fmt.Errorf("event %q: end %s before start %s", e.PlatformID,
			e.EndTime.Format("2006-01-02T15:04"), e.StartTime.Format("2006-01-02T15:04"))
	}
	return nil
}

// Validate checks the fields every group needs before it can be persisted.
func (g *CanonicalGroup) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group %q: missing name", g.PlatformID)
	}
	if g.MemberCount < 0 {
		return fmt.Errorf("group %q: negative member count", g.PlatformID)
	}
	return nil
}
