package domain

import (
	"net/url"
	"sort"
)

type ScopeKind string

const (
	ScopeDirect  ScopeKind = "direct"
	ScopeGroup   ScopeKind = "group"
	ScopeChannel ScopeKind = "channel"
)

// Scope identifies the conversation a message is ordered in.
// Direct scopes carry the unordered participant pair, sorted.
type Scope struct {
	Kind         ScopeKind `bson:"kind" json:"kind"`
	ID           string    `bson:"id,omitempty" json:"id,omitempty"`
	Participants []string  `bson:"participants,omitempty" json:"participants,omitempty"`
}

func Direct(a, b string) Scope {
	p := []string{a, b}
	sort.Strings(p)
	return Scope{Kind: ScopeDirect, Participants: p}
}

func Group(id string) Scope { return Scope{Kind: ScopeGroup, ID: id} }

func Channel(id string) Scope { return Scope{Kind: ScopeChannel, ID: id} }

// ParseScope builds a scope from an outer-surface (kind, id) pair. For direct
// conversations id names the other participant and viewer is the caller.
func ParseScope(kind, id, viewer string) (Scope, error) {
	var s Scope
	switch ScopeKind(kind) {
	case ScopeDirect:
		s = Direct(viewer, id)
	case ScopeGroup:
		s = Group(id)
	case ScopeChannel:
		s = Channel(id)
	default:
		return Scope{}, Invalid("unknown conversation kind " + kind)
	}
	return s, s.Validate()
}

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeDirect:
		if len(s.Participants) != 2 || s.Participants[0] == "" || s.Participants[1] == "" {
			return Invalid("direct conversation needs two participants")
		}
		if s.Participants[0] == s.Participants[1] {
			return Invalid("direct conversation participants must differ")
		}
	case ScopeGroup, ScopeChannel:
		if s.ID == "" {
			return Invalid(string(s.Kind) + " id missing")
		}
	default:
		return Invalid("unknown conversation kind")
	}
	return nil
}

// Key is the conversation key shared by the index, the durable records and the
// membership directory. Components are escaped so no two scopes alias.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeDirect:
		if len(s.Participants) != 2 {
			return ""
		}
		return "dm:" + url.QueryEscape(s.Participants[0]) + ":" + url.QueryEscape(s.Participants[1])
	case ScopeGroup, ScopeChannel:
		return string(s.Kind) + ":" + url.QueryEscape(s.ID)
	}
	return ""
}

func (s Scope) String() string { return s.Key() }

// Includes reports whether userID is a participant of a direct scope.
func (s Scope) Includes(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant of a direct scope.
func (s Scope) Counterpart(userID string) string {
	if s.Kind != ScopeDirect || !s.Includes(userID) {
		return ""
	}
	if s.Participants[0] == userID {
		return s.Participants[1]
	}
	return s.Participants[0]
}
