// Package notify publishes finished runs to a message bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject = "warden.runs"
	flushTimeout   = 5 * time.Second
)

// Publisher is the part of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATS publishes a RunSummary of every finished run to
// <subject>.<status>, so consumers may subscribe to failures only.
type NATS struct {
	conn    *nats.Conn
	pub     Publisher
	subject string
}

// New connects to the server of cfg.
func New(cfg model.NATS, opts ...nats.Option) (*NATS, error) {
	if cfg.URL == "" {
		return nil, model.NewConfigError("service.nats.url", "url is required")
	}
	opts = append([]nats.Option{
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	n := NewWithPublisher(nc, cfg.Subject)
	n.conn = nc
	return n, nil
}

func NewWithPublisher(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}
}

// RunSummary is the message published for a finished run.
type RunSummary struct {
	ID       string          `json:"id"`
	Event    model.Event     `json:"event"`
	Ref      string          `json:"ref"`
	Status   model.RunStatus `json:"status"`
	Failed   bool            `json:"failed"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished,omitzero"`
	PinSet   string          `json:"pinset_digest,omitempty"`
	Scans    []ScanSummary   `json:"scans"`
	Bundles  []BundleRef     `json:"bundles"`
	Errors   []string        `json:"errors,omitempty"`
}

type ScanSummary struct {
	Tool     string           `json:"tool"`
	Status   model.ScanStatus `json:"status"`
	ExitCode int              `json:"exit_code"`
	Duration time.Duration    `json:"duration"`
}

type BundleRef struct {
	Name    string   `json:"name"`
	Digest  string   `json:"digest,omitempty"`
	Files   int      `json:"files"`
	Missing []string `json:"missing,omitempty"`
}

func Summary(rec model.RunRecord) RunSummary {
	s := RunSummary{
		ID:       rec.ID,
		Event:    rec.Event,
		Ref:      rec.Ref,
		Status:   rec.Status,
		Failed:   rec.Failed,
		Started:  rec.Started,
		Finished: rec.Finished,
		PinSet:   rec.PinSet,
		Scans:    make([]ScanSummary, 0, len(rec.Results)),
		Bundles:  make([]BundleRef, 0, len(rec.Bundles)),
		Errors:   rec.Errors,
	}
	for _, r := range rec.Results {
		s.Scans = append(s.Scans, ScanSummary{Tool: r.Tool, Status: r.Status, ExitCode: r.ExitCode, Duration: r.Duration})
	}
	for _, b := range rec.Bundles {
		s.Bundles = append(s.Bundles, BundleRef{Name: b.Name, Digest: b.Digest, Files: len(b.Files), Missing: b.Missing})
	}
	return s
}

// Subject returns the subject a run is published to.
func (n *NATS) Subject(rec model.RunRecord) string {
	return n.subject + "." + string(rec.Status)
}

// Notify publishes the summary of rec. The run id is sent as Nats-Msg-Id
// header, so a JetStream stream deduplicates repeated notifications.
func (n *NATS) Notify(ctx context.Context, rec model.RunRecord) error {
	if n == nil || n.pub == nil {
		return errors.New("nats notifier is closed")
	}
	data, err := json.Marshal(Summary(rec))
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(rec))
	msg.Header.Set(nats.MsgIdHdr, rec.ID)
	msg.Data = data
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing run %s: %w", rec.ID, err)
	}
	if n.conn != nil {
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		if err := n.conn.FlushWithContext(flushCtx); err != nil {
			return fmt.Errorf("flushing run %s: %w", rec.ID, err)
		}
	}
	slog.DebugContext(ctx, "run published", "subject", msg.Subject, "run_id", rec.ID)
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	if err != nil {
		n.conn.Close()
	}
	n.conn = nil
	n.pub = nil
	return err
}
