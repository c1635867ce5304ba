package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/hashicorp/go-version"
)

// Requirement is a parsed dependency specifier, e.g. `bandit[toml]>=1.7,<2 ; python_version>"3.8"`.
type Requirement struct {
	Name      string
	Specifier string
	// Extras and Marker are kept as written and never evaluated.
	Extras     []string
	Marker     string
	constraint version.Constraints
}

var requirementRx = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)\s*(\[[^\]]*\])?\s*(.*?)\s*$`)

// ParseRequirement parses a single dependency specifier. A requirement
// applies regardless of its environment marker: the wheelhouse index
// targets one interpreter. Extras of a dependency pull nothing in by
// themselves, the index entry of a release lists every package it needs.
func ParseRequirement(s string) (Requirement, error) {
	spec, marker, _ := strings.Cut(s, ";")
	m := requirementRx.FindStringSubmatch(spec)
	if m == nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q", s)
	}
	req := Requirement{
		Name:      model.NormalizeName(m[1]),
		Specifier: strings.TrimSpace(m[3]),
		Marker:    strings.TrimSpace(marker),
	}
	if m[2] != "" {
		for _, extra := range strings.Split(strings.Trim(m[2], "[]"), ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, model.NormalizeName(extra))
			}
		}
	}
	// a parenthesised specifier is allowed by the grammar
	req.Specifier = strings.TrimSuffix(strings.TrimPrefix(req.Specifier, "("), ")")
	if req.Specifier == "" {
		return req, nil
	}
	c, err := parseConstraint(req.Specifier)
	if err != nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q: %w", s, err)
	}
	req.constraint = c
	return req, nil
}

func (r Requirement) String() string {
	return r.Name + r.Specifier
}

// Allows reports whether v satisfies the requirement.
func (r Requirement) Allows(v *version.Version) bool {
	if r.constraint == nil {
		return true
	}
	return r.constraint.Check(v)
}

// parseConstraint translates python version specifiers to go-version
// constraints: ~= is the pessimistic operator, == X.* a prefix match.
func parseConstraint(spec string) (version.Constraints, error) {
	var parts []string
	for _, clause := range strings.Split(spec, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		op, ver := splitOperator(clause)
		switch op {
		case "~=":
			op = "~>"
		case "===":
			op = "="
		case "==":
			if prefix, ok := strings.CutSuffix(ver, ".*"); ok {
				op, ver = "~>", prefix+".0"
			} else {
				op = "="
			}
		case "!=", "<", "<=", ">", ">=":
			if strings.HasSuffix(ver, ".*") {
				return nil, fmt.Errorf("wildcard not allowed with %s", op)
			}
		default:
			return nil, fmt.Errorf("unsupported operator in %q", clause)
		}
		parts = append(parts, op+" "+ver)
	}
	return version.NewConstraint(strings.Join(parts, ", "))
}

var operators = []string{"===", "~=", "==", "!=", "<=", ">=", "<", ">"}

func splitOperator(clause string) (string, string) {
	for _, op := range operators {
		if rest, ok := strings.CutPrefix(clause, op); ok {
			return op, strings.TrimSpace(rest)
		}
	}
	return "", clause
}
