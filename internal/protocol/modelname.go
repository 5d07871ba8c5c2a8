package protocol

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FamilyAlias maps a short alias (e.g. "sonnet") to the configured prefix
// used to select the latest-versioned model id starting with it.
type FamilyAlias struct {
	Alias  string
	Prefix string
}

// DefaultFamilyAliases are the well-known Claude family shorthands.
var DefaultFamilyAliases = []FamilyAlias{
	{Alias: "opus", Prefix: "claude-opus-"},
	{Alias: "sonnet", Prefix: "claude-sonnet-"},
	{Alias: "haiku", Prefix: "claude-haiku-"},
}

var datedModelPattern = regexp.MustCompile(`^claude-([a-z]+)-(\d+)(?:-(\d+))?-(\d{8})$`)

// version is a parsed major[.minor] suffix used to pick the latest model
// within a family when resolving a short alias.
type version struct {
	major, minor int
}

func (v version) less(o version) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	return v.minor < o.minor
}

func parseVersion(suffix string) (version, bool) {
	parts := strings.SplitN(suffix, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return version{}, false
	}
	if len(parts) == 1 {
		return version{major: major}, true
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return version{major: major}, true
	}
	return version{major: major, minor: minor}, true
}

// NormalizeModelName resolves short aliases and dated variants to a
// canonical model id, given the catalog of known ids. Unknown names (no
// alias match, no dated-form match) pass through unchanged.
func NormalizeModelName(name string, knownIDs []string) string {
	lower := strings.ToLower(name)

	for _, fa := range DefaultFamilyAliases {
		if lower == fa.Alias {
			if resolved, ok := latestWithPrefix(fa.Prefix, knownIDs); ok {
				return resolved
			}
			return name
		}
	}

	if m := datedModelPattern.FindStringSubmatch(lower); m != nil {
		family, major, minor := m[1], m[2], m[3]
		canonical := "claude-" + family + "-" + major
		if minor != "" {
			canonical += "." + minor
		}
		return canonical
	}

	return name
}

// latestWithPrefix returns the known id with the given prefix whose
// trailing major[.minor] version sorts highest.
func latestWithPrefix(prefix string, knownIDs []string) (string, bool) {
	type candidate struct {
		id string
		v  version
	}
	var candidates []candidate
	for _, id := range knownIDs {
		lower := strings.ToLower(id)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		suffix := lower[len(prefix):]
		v, ok := parseVersion(suffix)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{id: id, v: v})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[j].v.less(candidates[i].v)
	})
	return candidates[0].id, true
}
