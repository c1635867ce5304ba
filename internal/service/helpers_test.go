package service_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/resolve/resolvetest"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2025, time.June, 11, 18, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
}

// writeTool creates an executable shell script and returns its path.
func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// project returns a config running the given scanners against a test
// project with a local package index.
func project(t *testing.T, scanners ...model.Scanner) (model.Config, resolvetest.Project) {
	t.Helper()
	p := resolvetest.New(t)
	cfg := model.DefaultConfig()
	cfg.Project.Root = p.Dir
	cfg.Triggers.Schedule = nil
	cfg.Scanners = scanners
	cfg.Run = model.Run{Timeout: "1m", Workdir: t.TempDir()}
	cfg.Service.Dir = t.TempDir()
	return cfg, p
}
