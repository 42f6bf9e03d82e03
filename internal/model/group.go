package model

import (
	"strings"
	"time"
)

// CanonicalGroup is the platform-neutral group shape returned by adapters
// that can describe the group behind an identifier.
type CanonicalGroup struct {
	PlatformID  string
	Platform    Platform
	URLName     string
	Name        string
	Description string
	Link        string
	MemberCount int
	PhotoURL    string
}

// GroupSource describes how a persisted group is fed.
type GroupSource string

const (
	SourceNative GroupSource = "native"
	SourceSynced GroupSource = "synced"
	SourceMulti  GroupSource = "multi"
)

// PersistedGroup is a row of the groups table plus its platform connections.
type PersistedGroup struct {
	ID          string
	URLName     string
	Name        string
	Description string
	Link        string
	MemberCount int
	PhotoURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Connections []PlatformConnection
}

// Source derives the group source from the number of connections.
func (g *PersistedGroup) Source() GroupSource {
	switch len(g.Connections) {
	case 0:
		return SourceNative
	case 1:
		return SourceSynced
	default:
		return SourceMulti
	}
}

// Apply copies non-empty fields of c onto g and reports whether anything
// changed.
func (g *PersistedGroup) Apply(c *CanonicalGroup) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&g.Name, c.Name)
	set(&g.Description, c.Description)
	set(&g.Link, c.Link)
	set(&g.PhotoURL, c.PhotoURL)
	if g.URLName == "" && c.URLName != "" {
		g.URLName = c.URLName
		changed = true
	}
	if c.MemberCount > 0 && g.MemberCount != c.MemberCount {
		g.MemberCount = c.MemberCount
		changed = true
	}
	return changed
}

// NormalizeURLName lowercases and trims a group urlname for matching.
func NormalizeURLName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PlatformConnection links a PersistedGroup to one upstream group.
type PlatformConnection struct {
	ID      string
	GroupID string
	// Platform and PlatformID are unique across all connections.
	Platform   Platform
	PlatformID string
	// Identifier is what the adapter is asked to fetch (urlname, calendar id,
	// feed URL, entity id).
	Identifier string
	Active     bool
	LastSyncAt time.Time
	CreatedAt  time.Time
}
