package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // scanners[0].timeout
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum | invalid_format | validation_error
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// enum fields get the list of possible values appended to the message
var enumPaths = []string{
	"service.mode",
	"environment.mode",
	"environment.installer",
}

// fields constrained by a regular expression in the schema
var formats = map[string]string{
	"timeout": "a duration like 1d2h3m4s",
	"name":    "lower case letters, digits and _.- starting with a letter or digit",
}

var (
	reFormat      = regexp.MustCompile(`(?i)out of bound =~`)
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
)

// CueErrDetails returns human readable details of a LoadConfig error.
// Returns nil for errors, which do not come from the schema validation.
func CueErrDetails(err error) []CueErrorDetail {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		err = cfgErr.Err
	}
	var cueErr cueerrors.Error
	if !errors.As(err, &cueErr) {
		return nil
	}
	return humanize(err)
}

func humanize(err error) []CueErrorDetail {
	seen := make(map[CueErrorPosition]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		if _, ok := seen[pos]; ok && pos.Filename != "" {
			continue
		}

		for _, enumPath := range enumPaths {
			if path != enumPath {
				continue
			}
			values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(enumPath)))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != nil {
				msg += fmt.Sprintf(" (default %s)", *dflt)
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     e.Error(),
		})
		seen[pos] = struct{}{}
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def *string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = &s
		}
	}
	if op, args := v.Expr(); op == cue.OrOp {
		seen := map[string]struct{}{}
		for _, a := range args {
			if a.Kind() != cue.StringKind {
				continue
			}
			if s, err := a.String(); err == nil {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					values = append(values, s)
				}
			}
		}
	} else if v.Kind() == cue.StringKind {
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// normalizePath renders a CUE path the way ConfigError fields are named,
// list indices in brackets: scanners[0].timeout.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	var sb strings.Builder
	for _, elem := range p {
		if _, err := strconv.Atoi(elem); err == nil && sb.Len() > 0 {
			sb.WriteString("[" + elem + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(elem)
	}
	return sb.String()
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reFormat.MatchString(raw):
		if want, ok := formats[last(path)]; ok {
			return "invalid_format", fmt.Sprintf("Field %s must be %s", last(path), want)
		}
		return "invalid_format", fmt.Sprintf("Field %s has invalid format", last(path))
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		p = p[i+1:]
	}
	if i := strings.IndexByte(p, '['); i >= 0 {
		p = p[:i]
	}
	return p
}
