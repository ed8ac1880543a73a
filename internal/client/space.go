package client

import "strconv"

type spaceKind uint8

const (
	spaceAbsent spaceKind = iota
	spaceExplicit
	spaceAuto
)

// Space is the remaining recording space sent with a status update: absent,
// an explicit number of megabytes, or measured automatically from the local
// disk at send time.
type Space struct {
	kind spaceKind
	mb   int64
}

// SpaceMB is an explicit remaining space in megabytes.
func SpaceMB(mb int64) Space { return Space{kind: spaceExplicit, mb: mb} }

// SpaceAuto measures the free space of the recording volume when sent.
func SpaceAuto() Space { return Space{kind: spaceAuto} }

// IsZero reports whether no space value is set.
func (s Space) IsZero() bool { return s.kind == spaceAbsent }

// IsAuto reports whether the value is measured at send time.
func (s Space) IsAuto() bool { return s.kind == spaceAuto }

// ParseSpace reads "auto", a number of megabytes, or "" (absent).
func ParseSpace(v string) (Space, error) {
	switch v {
	case "":
		return Space{}, nil
	case "auto":
		return SpaceAuto(), nil
	}
	mb, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Space{}, err
	}
	return SpaceMB(mb), nil
}

func (s Space) String() string {
	switch s.kind {
	case spaceExplicit:
		return strconv.FormatInt(s.mb, 10)
	case spaceAuto:
		return "auto"
	default:
		return ""
	}
}
