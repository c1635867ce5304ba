package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/trigger"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

var (
	ErrRunFailed   = errors.New("run failed")
	ErrNotAdmitted = errors.New("event not admitted")
	ErrStopped     = errors.New("supervisor stopped")
)

// Executor runs an admitted RunRecord to completion and closes it.
type Executor interface {
	Execute(ctx context.Context, rec *model.RunRecord)
}

// Notifier is told about every finished run.
type Notifier interface {
	Notify(ctx context.Context, rec model.RunRecord) error
}

// Dispatched describes what happened to an event.
type Dispatched struct {
	Decision   trigger.Decision `json:"decision"`
	RunID      string           `json:"run_id,omitempty"`
	Started    bool             `json:"started"`
	Superseded string           `json:"superseded,omitempty"`
}

type dispatch struct {
	ev    model.Event
	reply chan dispatchReply
}

type dispatchReply struct {
	d   Dispatched
	err error
}

type runResult struct {
	rec *model.RunRecord
	key trigger.Key
}

// Supervisor owns the event loop: it admits events, keeps the latest-wins
// queue, starts pipeline runs and collects their results.
type Supervisor struct {
	triggers  *trigger.Scheduler
	queue     *trigger.Queue
	executor  Executor
	history   *History
	metrics   *Metrics
	notifiers []Notifier
	oneshot   bool
	first     model.Event
	cronExpr  string
	now       func() time.Time
	newID     func() string

	events  chan dispatch
	results chan runResult
	done    chan struct{}
	pending map[string]*model.RunRecord
	wg      sync.WaitGroup
}

// NewSupervisor builds a Supervisor for cfg. In manual mode Do dispatches
// a single manual event and returns once its run is finished.
func NewSupervisor(cfg model.Config, executor Executor) (*Supervisor, error) {
	triggers, err := trigger.New(cfg.Triggers, cfg.Project.Ref)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		triggers: triggers,
		queue:    trigger.NewQueue(),
		executor: executor,
		history:  NewHistory(defaultHistory),
		oneshot:  cfg.Service.Mode != model.ServiceModeService,
		first:    model.Event{Kind: model.EventManual},
		cronExpr: triggers.Cron(),
		now:      time.Now,
		newID:    uuid.NewString,
		events:   make(chan dispatch),
		results:  make(chan runResult),
		done:     make(chan struct{}),
		pending:  make(map[string]*model.RunRecord),
	}
	return s, nil
}

func (s *Supervisor) WithMetrics(m *Metrics) *Supervisor {
	s.metrics = m
	return s
}

func (s *Supervisor) WithNotifiers(notifiers ...Notifier) *Supervisor {
	s.notifiers = append(s.notifiers, notifiers...)
	return s
}

// WithEvent changes the event dispatched by a oneshot Supervisor.
func (s *Supervisor) WithEvent(ev model.Event) *Supervisor {
	s.first = ev
	return s
}

// WithClock exists for testing.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

func (s *Supervisor) History() *History {
	return s.history
}

func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// Dispatch hands ev to the event loop and waits for the decision. It
// fails with ErrStopped when Do is not running anymore.
func (s *Supervisor) Dispatch(ctx context.Context, ev model.Event) (Dispatched, error) {
	reply := make(chan dispatchReply, 1)
	select {
	case s.events <- dispatch{ev: ev, reply: reply}:
	case <-s.done:
		return Dispatched{}, ErrStopped
	case <-ctx.Done():
		return Dispatched{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.d, r.err
	case <-ctx.Done():
		return Dispatched{}, ctx.Err()
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Events (manual, push, scheduled) received by Dispatch or the cron
//     timer - admitted events become runs or replace the pending run.
//  2. Run results - the record is stored, notifiers are called and the
//     pending run of the same key is started.
//  3. Context cancellation - terminates the loop and begins shutdown.
//
// Modes:
//   - Oneshot (manual): a manual event, or the one set by WithEvent, is
//     dispatched once on entry; Do returns when its run is finished, an
//     error wrapping ErrRunFailed when the run failed. Cancelling ctx
//     cancels the run, Do still waits for its record.
//   - Service: runs until ctx is cancelled, the cron timer dispatches
//     scheduled events.
//
// Shutdown waits for the runs in progress, their contexts are cancelled.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)
	defer close(s.done)
	defer s.drain(ctx)

	if !s.oneshot && s.cronExpr != "" {
		scheduler, err := s.newCron(ctx)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	var oneshotID string
	if s.oneshot {
		d, err := s.handle(ctx, s.first)
		if err != nil {
			return err
		}
		if !d.Decision.Admit {
			return fmt.Errorf("%w: %s", ErrNotAdmitted, d.Decision.Reason)
		}
		oneshotID = d.RunID
	}

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			if !s.oneshot {
				return nil
			}
			// the oneshot run sees the cancelled context, its record decides the exit
			cancelled = nil
		case d := <-s.events:
			ret, err := s.handle(ctx, d.ev)
			d.reply <- dispatchReply{d: ret, err: err}
		case res := <-s.results:
			s.finish(ctx, res, ctx.Err() == nil)
			if s.oneshot && res.rec.ID == oneshotID {
				if res.rec.Failed {
					return fmt.Errorf("%w: %s %s", ErrRunFailed, res.rec.ID, res.rec.Status)
				}
				return nil
			}
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev model.Event) (Dispatched, error) {
	if ev.At.IsZero() && ev.Kind != model.EventScheduled {
		ev.At = s.now().UTC()
	}
	d, err := s.triggers.Admit(ev)
	if err != nil {
		s.metrics.event(ev.Kind, "error")
		slog.WarnContext(ctx, "event rejected", "event", ev, "error", err)
		return Dispatched{}, err
	}
	if !d.Admit {
		s.metrics.event(ev.Kind, "false")
		slog.InfoContext(ctx, "event not admitted", "key", d.Key.String(), "reason", d.Reason)
		return Dispatched{Decision: d}, nil
	}
	s.metrics.event(ev.Kind, "true")

	rec := model.NewRunRecord(s.newID(), ev, d.Key.Branch, s.now())
	start, superseded := s.queue.Submit(trigger.Ticket{RunID: rec.ID, Decision: d})
	ret := Dispatched{Decision: d, RunID: rec.ID, Started: start}
	slog.InfoContext(ctx, "event admitted", "key", d.Key.String(), "reason", d.Reason, "run_id", rec.ID, "started", start)

	if superseded != nil {
		ret.Superseded = superseded.RunID
		delete(s.pending, superseded.RunID)
		finished := s.now().UTC()
		s.history.update(superseded.RunID, func(r *model.RunRecord) {
			r.Status = model.RunStatusSuperseded
			r.Finished = finished
		})
		s.metrics.runSuperseded()
		slog.InfoContext(ctx, "pending run superseded", "key", d.Key.String(), "run_id", superseded.RunID, "by", rec.ID)
	}

	if start {
		s.start(ctx, rec, d.Key)
		return ret, nil
	}
	rec.Status = model.RunStatusQueued
	s.pending[rec.ID] = rec
	s.history.Put(*rec)
	return ret, nil
}

func (s *Supervisor) start(ctx context.Context, rec *model.RunRecord, key trigger.Key) {
	rec.Status = model.RunStatusRunning
	s.history.Put(*rec)
	s.metrics.runStarted()
	s.wg.Go(func() {
		s.executor.Execute(ctx, rec)
		s.results <- runResult{rec: rec, key: key}
	})
}

func (s *Supervisor) finish(ctx context.Context, res runResult, startNext bool) {
	rec := res.rec
	s.history.Put(*rec)
	s.metrics.runFinished(rec.Status)
	s.notify(ctx, *rec)

	next := s.queue.Done(res.key, rec.ID)
	if next == nil {
		return
	}
	pending, ok := s.pending[next.RunID]
	if !ok {
		slog.ErrorContext(ctx, "queued run not found", "run_id", next.RunID)
		s.queue.Done(res.key, next.RunID)
		return
	}
	delete(s.pending, next.RunID)
	if !startNext {
		pending.Status = model.RunStatusCancelled
		pending.Finished = s.now().UTC()
		s.history.Put(*pending)
		s.queue.Done(res.key, next.RunID)
		return
	}
	pending.Started = s.now().UTC()
	s.start(ctx, pending, res.key)
}

func (s *Supervisor) notify(ctx context.Context, rec model.RunRecord) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "notifying about a run failed", "run_id", rec.ID, "error", err)
		}
	}
}

// drain collects results of the runs in progress, no new run is started.
func (s *Supervisor) drain(ctx context.Context) {
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	for {
		select {
		case res := <-s.results:
			s.finish(ctx, res, false)
		case <-waited:
			return
		}
	}
}

func (s *Supervisor) newCron(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.CronJob(s.cronExpr, false),
		gocron.NewTask(func() {
			ev := model.Event{Kind: model.EventScheduled, At: s.now().UTC().Truncate(time.Minute)}
			if _, err := s.Dispatch(ctx, ev); err != nil && !errors.Is(err, ErrStopped) {
				slog.ErrorContext(ctx, "scheduled dispatch failed", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "successfully parsed", "cron", s.cronExpr)
	return scheduler, nil
}
