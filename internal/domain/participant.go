package domain

// Role is the part a participant plays in a session.
// The host initiates the connection offer.
type Role string

const (
	RoleNone   Role = ""
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// Participant pairs a user with its role in one session.
type Participant struct {
	User UserID `json:"user"`
	Role Role   `json:"role"`
}

// Participants lists the bound users of s, host first.
func (s *Session) Participants() []Participant {
	out := []Participant{{User: s.HostID, Role: RoleHost}}
	if s.PartnerID != "" {
		out = append(out, Participant{User: s.PartnerID, Role: RoleJoiner})
	}
	return out
}

// RoleOf reports the role uid plays in s, RoleNone if it is not bound.
func (s *Session) RoleOf(uid UserID) Role {
	switch {
	case uid == "":
		return RoleNone
	case uid == s.HostID:
		return RoleHost
	case uid == s.PartnerID:
		return RoleJoiner
	}
	return RoleNone
}

// Counterpart returns the other participant of s as seen by uid.
func (s *Session) Counterpart(uid UserID) (UserID, bool) {
	switch s.RoleOf(uid) {
	case RoleHost:
		return s.PartnerID, s.PartnerID != ""
	case RoleJoiner:
		return s.HostID, true
	}
	return "", false
}
