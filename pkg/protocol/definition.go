package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Masterminds/semver/v3"
)

// Definition is the static metadata shipped with a service.
type Definition struct {
	Name         string   `json:"name" mapstructure:"name" validate:"required"`
	Description  string   `json:"description" mapstructure:"description"`
	Version      Version  `json:"version" mapstructure:"version"`
	Dependencies []string `json:"dependencies" mapstructure:"dependencies" validate:"dive,required"`
	Integrations []string `json:"integrations" mapstructure:"integrations" validate:"dive,required"`
	Integratable bool     `json:"integratable" mapstructure:"integratable"`
	AutoStart    bool     `json:"autoStart" mapstructure:"autoStart"`
}

// Version is a semantic version triple. On the wire it is [MAJOR, MINOR, PATCH];
// a "MAJOR.MINOR.PATCH" string is accepted as well.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Semver returns v as a semver.Version.
func (v Version) Semver() *semver.Version {
	return semver.New(v.Major, v.Minor, v.Patch, "", "")
}

// Compare returns -1, 0 or 1 when v is older, equal or newer than o.
func (v Version) Compare(o Version) int { return v.Semver().Compare(o.Semver()) }

func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]uint64{v.Major, v.Minor, v.Patch})
}

func (v *Version) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseVersion(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVersion converts a decoded JSON/YAML value into a Version. It accepts a
// semver string, a three element numeric list, or nil (zero version).
func ParseVersion(raw any) (Version, error) {
	switch val := raw.(type) {
	case nil:
		return Version{}, nil
	case Version:
		return val, nil
	case string:
		sv, err := semver.NewVersion(val)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", val, err)
		}
		return Version{Major: sv.Major(), Minor: sv.Minor(), Patch: sv.Patch()}, nil
	case []any:
		if len(val) != 3 {
			return Version{}, fmt.Errorf("version must have 3 components, got %d", len(val))
		}
		var parts [3]uint64
		for i, p := range val {
			n, err := versionPart(p)
			if err != nil {
				return Version{}, err
			}
			parts[i] = n
		}
		return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
	case []int:
		items := make([]any, len(val))
		for i, n := range val {
			items[i] = n
		}
		return ParseVersion(items)
	default:
		return Version{}, fmt.Errorf("unsupported version value %T", raw)
	}
}

func versionPart(p any) (uint64, error) {
	switch n := p.(type) {
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case uint64:
		return n, nil
	case float64:
		if n >= 0 && n == math.Trunc(n) {
			return uint64(n), nil
		}
	}
	return 0, fmt.Errorf("invalid version component %v", p)
}
