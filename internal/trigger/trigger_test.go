package trigger_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/trigger"

	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T) *trigger.Scheduler {
	t.Helper()
	s, err := trigger.New(model.Triggers{
		Manual:   true,
		Push:     &model.Push{Branches: []string{"develop", "releases/*"}},
		Schedule: &model.Schedule{Cron: "0 18 * * 1-5"},
	}, "main")
	require.NoError(t, err)
	return s
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)

	wednesday := time.Date(2025, time.June, 11, 18, 0, 0, 0, time.UTC)
	saturday := time.Date(2025, time.June, 14, 18, 0, 0, 0, time.UTC)

	type then struct {
		admit bool
		key   trigger.Key
	}
	var testCases = []struct {
		scenario string
		given    model.Event
		then     then
	}{
		{"manual", model.Event{Kind: model.EventManual}, then{true, trigger.Key{Source: model.EventManual, Branch: "main"}}},
		{"push develop", model.Event{Kind: model.EventPush, Branch: "develop"}, then{true, trigger.Key{Source: model.EventPush, Branch: "develop"}}},
		{"push releases/1.0", model.Event{Kind: model.EventPush, Branch: "releases/1.0"}, then{true, trigger.Key{Source: model.EventPush, Branch: "releases/1.0"}}},
		{"push releases/1.0/hotfix", model.Event{Kind: model.EventPush, Branch: "releases/1.0/hotfix"}, then{false, trigger.Key{Source: model.EventPush, Branch: "releases/1.0/hotfix"}}},
		{"push feature/x", model.Event{Kind: model.EventPush, Branch: "feature/x"}, then{false, trigger.Key{Source: model.EventPush, Branch: "feature/x"}}},
		{"push develop-2", model.Event{Kind: model.EventPush, Branch: "develop-2"}, then{false, trigger.Key{Source: model.EventPush, Branch: "develop-2"}}},
		{"push no branch", model.Event{Kind: model.EventPush}, then{false, trigger.Key{Source: model.EventPush}}},
		{"scheduled wednesday", model.Event{Kind: model.EventScheduled, At: wednesday}, then{true, trigger.Key{Source: model.EventScheduled, Branch: "main"}}},
		{"scheduled saturday", model.Event{Kind: model.EventScheduled, At: saturday}, then{false, trigger.Key{Source: model.EventScheduled, Branch: "main"}}},
		{"scheduled no time", model.Event{Kind: model.EventScheduled}, then{false, trigger.Key{Source: model.EventScheduled, Branch: "main"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := s.Admit(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then.admit, d.Admit, d.Reason)
			require.Equal(t, tc.then.key, d.Key)
			require.Equal(t, tc.given, d.Event)
			require.NotEmpty(t, d.Reason)
		})
	}
}

func TestAdmit_UnknownKind(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)
	_, err := s.Admit(model.Event{Kind: "pull_request", Branch: "develop"})
	require.Error(t, err)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, model.ErrUnknownEvent)
}

func TestAdmit_Disabled(t *testing.T) {
	t.Parallel()
	s, err := trigger.New(model.Triggers{}, "main")
	require.NoError(t, err)

	for _, ev := range []model.Event{
		{Kind: model.EventManual},
		{Kind: model.EventPush, Branch: "develop"},
		{Kind: model.EventScheduled, At: time.Date(2025, time.June, 11, 18, 0, 0, 0, time.UTC)},
	} {
		d, err := s.Admit(ev)
		require.NoError(t, err)
		require.False(t, d.Admit, ev.Kind)
	}
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	_, err := trigger.New(model.Triggers{Schedule: &model.Schedule{Cron: "* * *"}}, "main")
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "triggers.schedule.cron", cfgErr.Field)

	_, err = trigger.New(model.Triggers{Push: &model.Push{Branches: []string{"releases/[a"}}}, "main")
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "triggers.push.branches", cfgErr.Field)
}

func TestQueue(t *testing.T) {
	t.Parallel()
	q := trigger.NewQueue()
	develop := trigger.Key{Source: model.EventPush, Branch: "develop"}
	main := trigger.Key{Source: model.EventManual, Branch: "main"}
	ticket := func(id string, key trigger.Key) trigger.Ticket {
		return trigger.Ticket{RunID: id, Decision: trigger.Decision{Admit: true, Key: key}}
	}

	start, superseded := q.Submit(ticket("r1", develop))
	require.True(t, start)
	require.Nil(t, superseded)

	// other key runs concurrently
	start, superseded = q.Submit(ticket("m1", main))
	require.True(t, start)
	require.Nil(t, superseded)

	start, superseded = q.Submit(ticket("r2", develop))
	require.False(t, start)
	require.Nil(t, superseded)

	start, superseded = q.Submit(ticket("r3", develop))
	require.False(t, start)
	require.NotNil(t, superseded)
	require.Equal(t, "r2", superseded.RunID)

	running, ok := q.Running(develop)
	require.True(t, ok)
	require.Equal(t, "r1", running.RunID, "running ticket is never replaced")
	pending, ok := q.Pending(develop)
	require.True(t, ok)
	require.Equal(t, "r3", pending.RunID)

	require.Nil(t, q.Done(develop, "r2"), "done of a not running ticket is ignored")

	next := q.Done(develop, "r1")
	require.NotNil(t, next)
	require.Equal(t, "r3", next.RunID)
	_, ok = q.Pending(develop)
	require.False(t, ok)

	require.Nil(t, q.Done(develop, "r3"))
	require.Nil(t, q.Done(main, "m1"))
	require.Zero(t, q.Len())
}
