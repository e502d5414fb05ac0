package auth

import "strings"

// Scope is the (conference, track) pair a role applies to. Both empty
// means global scope.
type Scope struct {
	ConferenceID string
	TrackID      string
}

// GlobalScope is the scope with neither conference nor track
var GlobalScope = Scope{}

// NewScope builds a scope from nullable column values
func NewScope(conferenceID, trackID *string) Scope {
	return Scope{
		ConferenceID: deref(conferenceID),
		TrackID:      deref(trackID),
	}
}

// IsGlobal reports whether the scope has no conference and no track
func (s Scope) IsGlobal() bool {
	return s.ConferenceID == "" && s.TrackID == ""
}

// Equal compares the exact pair. A conference scope never equals a
// track scope inside the same conference.
func (s Scope) Equal(other Scope) bool {
	return s.ConferenceID == other.ConferenceID && s.TrackID == other.TrackID
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	parts := []string{"conference:" + s.ConferenceID}
	if s.TrackID != "" {
		parts = append(parts, "track:"+s.TrackID)
	}
	return strings.Join(parts, "/")
}

func (s Scope) conferencePtr() *string {
	return ptrOrNil(s.ConferenceID)
}

func (s Scope) trackPtr() *string {
	return ptrOrNil(s.TrackID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func ptrOrNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
