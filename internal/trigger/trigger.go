// Package trigger decides whether an event starts a pipeline run.
//
// Admission policy:
//   - manual events are admitted when manual dispatch is enabled
//   - scheduled events are admitted when their firing time matches the
//     configured cron expression (UTC, minute precision)
//   - push events are admitted when the branch matches the allow-list,
//     entries are exact names or doublestar globs (releases/*)
//
// Admitted runs are keyed by (source, branch). The Queue keeps at most one
// running and one pending run per key, the latest pending run wins.
package trigger

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
)

// Key identifies runs, which must not overlap.
type Key struct {
	Source model.EventKind `json:"source"`
	Branch string          `json:"branch"`
}

func (k Key) String() string {
	return string(k.Source) + ":" + k.Branch
}

// Decision is the outcome of Admit.
type Decision struct {
	Admit  bool        `json:"admit"`
	Key    Key         `json:"key"`
	Reason string      `json:"reason"`
	Event  model.Event `json:"event"`
}

type Scheduler struct {
	manual   bool
	branches []string
	schedule cron.Schedule
	cronExpr string
	ref      string
}

// New builds a Scheduler. ref is the branch manual and scheduled runs are
// keyed with.
func New(cfg model.Triggers, ref string) (*Scheduler, error) {
	s := &Scheduler{
		manual: cfg.Manual,
		ref:    ref,
	}
	if cfg.Push != nil {
		for _, pattern := range cfg.Push.Branches {
			if !doublestar.ValidatePattern(pattern) {
				return nil, model.NewConfigError("triggers.push.branches", "invalid pattern %q", pattern)
			}
		}
		s.branches = append([]string(nil), cfg.Push.Branches...)
	}
	if cfg.Schedule != nil {
		schedule, err := model.ParseCron(cfg.Schedule.Cron)
		if err != nil {
			return nil, &model.ConfigError{Field: "triggers.schedule.cron", Err: err}
		}
		s.schedule = schedule
		s.cronExpr = cfg.Schedule.Cron
	}
	return s, nil
}

// Cron returns the configured cron expression or an empty string.
func (s *Scheduler) Cron() string {
	return s.cronExpr
}

// Admit applies the admission policy to ev. It has no side effects.
// Unknown event kinds return a *model.ConfigError.
func (s *Scheduler) Admit(ev model.Event) (Decision, error) {
	switch ev.Kind {
	case model.EventManual:
		d := s.decision(ev, s.ref)
		if !s.manual {
			return d.reject("manual dispatch disabled"), nil
		}
		return d.admit("manual dispatch"), nil
	case model.EventScheduled:
		d := s.decision(ev, s.ref)
		if s.schedule == nil {
			return d.reject("no schedule configured"), nil
		}
		if ev.At.IsZero() {
			return d.reject("scheduled event without time"), nil
		}
		if !model.CronMatches(s.schedule, ev.At) {
			return d.reject(fmt.Sprintf("%s does not match %q", ev.At.UTC().Format(time.RFC3339), s.cronExpr)), nil
		}
		return d.admit("schedule " + s.cronExpr), nil
	case model.EventPush:
		d := s.decision(ev, ev.Branch)
		if ev.Branch == "" {
			return d.reject("push without branch"), nil
		}
		if pattern, ok := s.matchBranch(ev.Branch); ok {
			return d.admit("branch matches " + pattern), nil
		}
		return d.reject("branch not tracked"), nil
	default:
		return Decision{}, &model.ConfigError{Field: "event.kind", Err: fmt.Errorf("%w: %q", model.ErrUnknownEvent, ev.Kind)}
	}
}

func (s *Scheduler) matchBranch(branch string) (string, bool) {
	for _, pattern := range s.branches {
		if pattern == branch {
			return pattern, true
		}
		// patterns are validated in New
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return pattern, true
		}
	}
	return "", false
}

func (s *Scheduler) decision(ev model.Event, branch string) Decision {
	return Decision{
		Key:   Key{Source: ev.Kind, Branch: branch},
		Event: ev,
	}
}

func (d Decision) admit(reason string) Decision {
	d.Admit = true
	d.Reason = reason
	return d
}

func (d Decision) reject(reason string) Decision {
	d.Admit = false
	d.Reason = reason
	return d
}
