package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Warden/internal/artifact"
	"github.com/CZERTAINLY/Warden/internal/bom"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/notify"
	"github.com/CZERTAINLY/Warden/internal/resolve"
	"github.com/CZERTAINLY/Warden/internal/service"
	"github.com/CZERTAINLY/Warden/internal/trigger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagEvent  string
	flagBranch string
	flagAt     string
	flagOutput string
	flagSBOM   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a single pipeline in manual mode or serve triggers in service mode",
	RunE:  doRun,
}

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "print whether an event would start a run",
	RunE:  doAdmit,
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "resolve the tool environment and write the pinned requirements",
	RunE:  doFreeze,
}

func cmdContext(ctx context.Context, name string) context.Context {
	attrs := slog.Group("warden",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = cmdContext(ctx, "run")

	cfg := config
	if cfg.Service.Dir != "" && !filepath.IsAbs(cfg.Service.Dir) {
		cfg.Service.Dir = filepath.Join(baseDir(), cfg.Service.Dir)
	}
	uploaders, store, err := artifact.Stores(ctx, cfg.Service)
	if err != nil {
		return err
	}
	defer artifact.Close(ctx, uploaders)

	metrics := service.NewMetrics()
	pipeline := service.NewPipeline(cfg, baseDir(), uploaders).WithMetrics(metrics)
	supervisor, err := service.NewSupervisor(cfg, pipeline)
	if err != nil {
		return err
	}
	supervisor.WithMetrics(metrics)

	oneshot := cfg.Service.Mode != model.ServiceModeService
	if oneshot {
		ev, err := event(time.Now())
		if err != nil {
			return err
		}
		supervisor.WithEvent(ev)
	}

	if cfg.Service.NATS != nil && cfg.Service.NATS.Enabled {
		n, err := notify.New(*cfg.Service.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Close(); err != nil {
				slog.ErrorContext(ctx, "closing nats connection", "error", err)
			}
		}()
		supervisor.WithNotifiers(n)
	}

	if oneshot || cfg.Service.Listen == "" {
		err = supervisor.Do(ctx)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return supervisor.Do(gctx)
		})
		g.Go(func() error {
			return service.NewServer(supervisor, store).ListenAndServe(gctx, cfg.Service.Listen)
		})
		err = g.Wait()
	}

	if oneshot && !errors.Is(err, service.ErrNotAdmitted) {
		if runs := supervisor.History().List(""); len(runs) > 0 {
			if perr := printJSON(cmd, runs[0]); perr != nil {
				return errors.Join(err, perr)
			}
		}
	}
	return err
}

func doAdmit(cmd *cobra.Command, _ []string) error {
	triggers, err := trigger.New(config.Triggers, config.Project.Ref)
	if err != nil {
		return err
	}
	ev, err := event(time.Now())
	if err != nil {
		return err
	}
	d, err := triggers.Admit(ev)
	if err != nil {
		return err
	}
	return printJSON(cmd, d)
}

func doFreeze(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd.Context(), "freeze")

	// always resolve from the manifest, never from the file being written
	cfg := config
	cfg.Environment.Requirements = ""
	pins, _, err := service.NewPipeline(cfg, baseDir(), nil).Resolve(ctx)
	if err != nil {
		return err
	}
	if err := resolve.WriteRequirements(flagOutput, pins); err != nil {
		return err
	}
	slog.InfoContext(ctx, "requirements written", "path", flagOutput, "pins", len(pins.Pins), "digest", pins.Digest())

	if flagSBOM == "" {
		return nil
	}
	f, err := os.Create(flagSBOM)
	if err != nil {
		return fmt.Errorf("creating sbom file: %w", err)
	}
	if err := bom.FromPinSet(pins).AsJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing sbom: %w", err)
	}
	return f.Close()
}

// event builds the event described by the command line flags.
func event(now time.Time) (model.Event, error) {
	ev := model.Event{Kind: model.EventKind(flagEvent), Branch: flagBranch}
	switch {
	case flagAt != "":
		at, err := time.Parse(time.RFC3339, flagAt)
		if err != nil {
			return model.Event{}, fmt.Errorf("parsing --at: %w", err)
		}
		ev.At = at.UTC()
	case ev.Kind == model.EventScheduled:
		ev.At = now.UTC().Truncate(time.Minute)
	default:
		ev.At = now.UTC()
	}
	return ev, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
