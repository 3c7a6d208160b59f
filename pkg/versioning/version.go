// Package versioning reports the build version of the service using SemVer 2.0.0.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is set at link time: -ldflags "-X .../versioning.Version=1.4.0".
var Version = "0.1.0-dev"

// APIVersion is the version of the tool and webhook contract exposed over HTTP.
const APIVersion = "1.0.0"

// Info is the build report served by /health and the version subcommand.
type Info struct {
	Version    string `json:"version"`
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	API        string `json:"api"`
	Stable     bool   `json:"stable"`
}

// Parse parses a version string, accepting a leading "v".
func Parse(raw string) (*semver.Version, error) {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("versioning: %q: %w", raw, err)
	}
	return v, nil
}

// Current describes the running build. An unparseable override falls back
// to the link-time Version.
func Current(override string) (Info, error) {
	raw := Version
	if override != "" {
		raw = override
	}
	v, err := Parse(raw)
	if err != nil {
		return Info{Version: raw, API: APIVersion}, err
	}
	return Info{
		Version:    v.String(),
		Major:      v.Major(),
		Minor:      v.Minor(),
		Patch:      v.Patch(),
		Prerelease: v.Prerelease(),
		API:        APIVersion,
		Stable:     v.Major() >= 1 && v.Prerelease() == "",
	}, nil
}

// Satisfies reports whether version meets constraint, e.g. ">= 1.2, < 2".
func Satisfies(version, constraint string) (bool, error) {
	v, err := Parse(version)
	if err != nil {
		return false, err
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("versioning: constraint %q: %w", constraint, err)
	}
	return c.Check(v), nil
}

// Compatible reports whether a client built against clientAPI can talk to
// this server: same major version, and not newer than APIVersion.
func Compatible(clientAPI string) bool {
	ok, err := Satisfies(clientAPI, fmt.Sprintf("^%s", APIVersion))
	if err != nil {
		return false
	}
	server, _ := Parse(APIVersion)
	client, _ := Parse(clientAPI)
	return ok && !client.GreaterThan(server)
}
