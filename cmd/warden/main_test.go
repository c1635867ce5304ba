package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/resolve"
	"github.com/CZERTAINLY/Warden/internal/resolve/resolvetest"
	"github.com/CZERTAINLY/Warden/internal/trigger"

	"github.com/stretchr/testify/require"
)

// warden stores cfg, points WARDENCONFIG to it and executes the command
// line. The flags of a previous call are reset.
func warden(t *testing.T, cfg model.Config, args ...string) (string, error) {
	t.Helper()
	discard := "discard"
	cfg.Service.Log = &discard
	path := filepath.Join(t.TempDir(), configName)
	require.NoError(t, storeConfig(path, cfg))
	t.Setenv("WARDENCONFIG", path)

	flagEvent, flagBranch, flagAt = string(model.EventManual), "", ""
	flagOutput, flagSBOM = "requirements.txt", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func testConfig(t *testing.T, scanners ...model.Scanner) (model.Config, resolvetest.Project) {
	t.Helper()
	p := resolvetest.New(t)
	cfg := model.DefaultConfig()
	cfg.Project.Root = p.Dir
	cfg.Scanners = scanners
	cfg.Run = model.Run{Timeout: "1m", Workdir: t.TempDir()}
	cfg.Service.Dir = t.TempDir()
	return cfg, p
}

func TestAdmit(t *testing.T) {
	cfg, _ := testConfig(t, model.Scanner{Name: "noop", Command: "true", Target: "."})

	var testCases = []struct {
		scenario string
		given    []string
		then     trigger.Decision
	}{
		{
			scenario: "tracked branch",
			given:    []string{"admit", "--event", "push", "--branch", "releases/1.0"},
			then: trigger.Decision{
				Admit:  true,
				Key:    trigger.Key{Source: model.EventPush, Branch: "releases/1.0"},
				Reason: "branch matches releases/*",
			},
		},
		{
			scenario: "untracked branch",
			given:    []string{"admit", "--event", "push", "--branch", "feature/x"},
			then: trigger.Decision{
				Key:    trigger.Key{Source: model.EventPush, Branch: "feature/x"},
				Reason: "branch not tracked",
			},
		},
		{
			scenario: "schedule",
			given:    []string{"admit", "--event", "scheduled", "--at", "2025-06-11T18:00:00Z"},
			then: trigger.Decision{
				Admit:  true,
				Key:    trigger.Key{Source: model.EventScheduled, Branch: "main"},
				Reason: "schedule 0 18 * * 1-5",
			},
		},
		{
			scenario: "off schedule",
			given:    []string{"admit", "--event", "scheduled", "--at", "2025-06-14T18:00:00Z"},
			then: trigger.Decision{
				Key:    trigger.Key{Source: model.EventScheduled, Branch: "main"},
				Reason: `2025-06-14T18:00:00Z does not match "0 18 * * 1-5"`,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			out, err := warden(t, cfg, tc.given...)
			require.NoError(t, err)
			var d trigger.Decision
			require.NoError(t, json.Unmarshal([]byte(out), &d))
			d.Event = model.Event{}
			require.Equal(t, tc.then, d)
		})
	}

	_, err := warden(t, cfg, "admit", "--event", "tag")
	require.ErrorIs(t, err, model.ErrUnknownEvent)
}

func TestFreeze(t *testing.T) {
	cfg, _ := testConfig(t, model.Scanner{Name: "noop", Command: "true", Target: "."})
	cfg.Environment.Extras = []string{model.BaseExtra, "security"}
	dir := t.TempDir()
	reqs := filepath.Join(dir, "requirements.txt")
	sbom := filepath.Join(dir, "bom.json")

	_, err := warden(t, cfg, "freeze", "--output", reqs, "--sbom", sbom)
	require.NoError(t, err)

	pins, err := resolve.ReadRequirements(reqs)
	require.NoError(t, err)
	require.Equal(t, model.PinHashed, pins.Mode)
	versions := make(map[string]string, len(pins.Pins))
	for _, pin := range pins.Pins {
		require.NotEmpty(t, pin.Hash, pin.Name)
		versions[pin.Name] = pin.Version
	}
	require.Equal(t, "2.31.0", versions["requests"])
	require.Equal(t, "1.7.9", versions["bandit"])

	b, err := os.ReadFile(sbom)
	require.NoError(t, err)
	require.Contains(t, string(b), `"purl": "pkg:pypi/requests@2.31.0"`)
	require.Contains(t, string(b), pins.Digest())
}

func TestRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	tool := filepath.Join(t.TempDir(), "scan")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\necho '[]' > report.json\nexit $SCAN_EXIT\n"), 0o755))
	scanner := func(exit string, failOn bool) model.Scanner {
		return model.Scanner{
			Name:           "scan",
			Command:        tool,
			Target:         ".",
			FailOnFindings: failOn,
			Env:            map[string]string{"SCAN_EXIT": exit},
			Artifacts:      &model.Artifacts{Paths: []string{"report.json"}},
		}
	}

	var testCases = []struct {
		scenario string
		given    model.Scanner
		args     []string
		status   model.RunStatus
		failed   bool
	}{
		{"passed", scanner("0", true), []string{"run"}, model.RunStatusSucceeded, false},
		{"findings", scanner("1", false), []string{"run", "--event", "push", "--branch", "develop"}, model.RunStatusScanFailure, false},
		{"fail on findings", scanner("1", true), []string{"run"}, model.RunStatusScanFailure, true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg, _ := testConfig(t, tc.given)
			out, err := warden(t, cfg, tc.args...)
			if tc.failed {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			var rec model.RunRecord
			require.NoError(t, json.Unmarshal([]byte(out), &rec))
			require.Equal(t, tc.status, rec.Status, rec.Errors)
			require.Equal(t, tc.failed, rec.Failed)
			require.Len(t, rec.Bundles, 1)
			require.Equal(t, "scan-report", rec.Bundles[0].Name)

			entries, err := os.ReadDir(filepath.Join(cfg.Service.Dir, rec.ID))
			require.NoError(t, err)
			require.NotEmpty(t, entries)
		})
	}

	cfg, _ := testConfig(t, scanner("0", false))
	cfg.Triggers.Manual = false
	out, err := warden(t, cfg, "run")
	require.Error(t, err)
	require.Empty(t, out)
}
