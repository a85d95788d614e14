package ubl

import (
	"strings"

	"github.com/rezonia/peppol-connector/internal/model"
)

// ParticipantScheme is the PEPPOL participant identifier scheme prefix
const ParticipantScheme = "iso6523-actorid-upis"

// ParticipantID is a PEPPOL participant identifier such as 0208:123456789
type ParticipantID struct {
	Scheme string
	Value  string
}

// ParseParticipantID accepts "0208:123456789" with an optional
// "iso6523-actorid-upis::" prefix
func ParseParticipantID(s string) (ParticipantID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ParticipantScheme+"::")
	scheme, value, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || value == "" {
		return ParticipantID{}, model.NewValidationError("peppol_identifier", s, "format", "expected <scheme>:<identifier>")
	}
	for _, r := range scheme {
		if r < '0' || r > '9' {
			return ParticipantID{}, model.NewValidationError("peppol_identifier", s, "format", "scheme must be a numeric ICD code")
		}
	}
	return ParticipantID{Scheme: scheme, Value: value}, nil
}

// IsZero reports whether the identifier is empty
func (p ParticipantID) IsZero() bool {
	return p.Value == ""
}

func (p ParticipantID) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Scheme + ":" + p.Value
}

// URN returns the identifier with the scheme prefix used on the network
func (p ParticipantID) URN() string {
	return ParticipantScheme + "::" + p.String()
}
