package kb

import "fmt"

// LinkStatus is the observed reachability of a node.
type LinkStatus int

const (
	StatusUnknown LinkStatus = iota
	StatusOK
	StatusBroken
	StatusAuthRequired
)

var statusNames = map[LinkStatus]string{
	StatusUnknown:      "unknown",
	StatusOK:           "ok",
	StatusBroken:       "broken",
	StatusAuthRequired: "auth-required",
}

func (s LinkStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LinkStatus(%d)", int(s))
}

// Determinate reports whether the status was actually established by a
// request, as opposed to still being unknown.
func (s LinkStatus) Determinate() bool {
	return s == StatusOK || s == StatusBroken || s == StatusAuthRequired
}

// MarshalText encodes the status by name, for JSON and YAML projections.
func (s LinkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *LinkStatus) UnmarshalText(text []byte) error {
	v, err := ParseLinkStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseLinkStatus converts a status name back into a LinkStatus.
func ParseLinkStatus(name string) (LinkStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown link status %q", name)
}

// Category classifies an external destination.
type Category string

const (
	CategoryNone     Category = ""
	CategoryRecord   Category = "record"   // non-KB record on the same instance
	CategoryInstance Category = "instance" // another ServiceNow instance
	CategoryDocs     Category = "docs"     // known documentation site
	CategoryWeb      Category = "web"
)
