package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
project:
  index: wheelhouse/index.yaml
environment:
  extras: [base, security]
triggers:
  push:
    branches: [develop, "releases/*"]
  schedule:
    cron: "0 18 * * 1-5"
scanners:
  - name: trivy
    command: trivy
    args: [fs, "{target}"]
    config: trivy.yaml
    timeout: 10m
    fail_on_findings: true
    artifacts:
      paths: [trivy-report.json]
  - name: bandit
    command: bandit
    artifacts:
      name: bandit-results
      paths: ["reports/**"]
run:
  timeout: 1h
service:
  mode: service
  log: stderr
  repository:
    enabled: true
    url: https://example.com/repo
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, ".", cfg.Project.Root)
	require.Equal(t, "pyproject.toml", cfg.Project.Manifest)
	require.Equal(t, "main", cfg.Project.Ref)
	require.Equal(t, []string{"base", "security"}, cfg.Environment.Extras)
	require.Equal(t, model.PinHashed, cfg.Environment.Mode)
	require.Equal(t, model.InstallerLocal, cfg.Environment.Installer)

	require.True(t, cfg.Triggers.Manual)
	require.NotNil(t, cfg.Triggers.Push)
	require.Equal(t, []string{"develop", "releases/*"}, cfg.Triggers.Push.Branches)
	require.NotNil(t, cfg.Triggers.Schedule)

	require.Len(t, cfg.Scanners, 2)
	trivy := cfg.Scanners[0]
	require.Equal(t, "trivy-report", trivy.BundleName())
	require.Equal(t, 10*time.Minute, trivy.TimeoutDuration())
	require.Equal(t, ".", trivy.Target)
	require.True(t, trivy.FailOnFindings)
	bandit := cfg.Scanners[1]
	require.Equal(t, "bandit-results", bandit.BundleName())
	require.False(t, bandit.FailOnFindings)
	require.Zero(t, bandit.TimeoutDuration())

	require.Equal(t, time.Hour, cfg.Run.TimeoutDuration())
	require.Equal(t, model.ServiceModeService, cfg.Service.Mode)
	require.Equal(t, "artifacts", cfg.Service.Dir)
	require.NotNil(t, cfg.Service.Log)
	require.Equal(t, model.LogStderr, *cfg.Service.Log)
	require.NotNil(t, cfg.Service.Repository)
	require.True(t, cfg.Service.Repository.Enabled)

	require.Equal(t, map[string]bool{"trivy": true, "bandit": false}, cfg.FailOn())
}

func TestLoadConfig_Fail(t *testing.T) {
	// cue.Context is not safe for a concurrent use, so no t.Parallel here
	var testCases = []struct {
		scenario string
		given    string
		then     string
		code     string
	}{
		{
			scenario: "missing index",
			given: `
version: 0
project: {}
scanners:
  - name: bandit
    command: bandit
`,
			then: "project.index",
			code: "missing_required",
		},
		{
			scenario: "no scanners",
			given: `
version: 0
project:
  index: index.yaml
scanners: []
`,
			then: "scanners",
		},
		{
			scenario: "bad duration",
			given: `
version: 0
project:
  index: index.yaml
scanners:
  - name: bandit
    command: bandit
    timeout: 10 minutes
`,
			then: "scanners[0].timeout",
			code: "invalid_format",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
project:
  index: index.yaml
  unknown: true
scanners:
  - name: bandit
    command: bandit
`,
			then: "project.unknown",
			code: "unknown_field",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			codes := make(map[string][]string)
			for _, d := range details {
				codes[d.Path] = append(codes[d.Path], d.Code)
			}
			require.Contains(t, codes, tc.then)
			if tc.code != "" {
				require.Contains(t, codes[tc.then], tc.code)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Scanners = append(cfg.Scanners, cfg.Scanners[0])
	cfg.Triggers.Schedule = &model.Schedule{Cron: "61 * * * *"}
	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, "triggers.schedule.cron")
	require.ErrorContains(t, err, `duplicate scanner "trivy"`)
	require.ErrorContains(t, err, `duplicate bundle "trivy-report"`)
}

func TestConfigValidate_ArtifactGlob(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.Scanners[0].Artifacts = &model.Artifacts{Paths: []string{"reports/**/*.json", "reports/[a-"}}
	err := cfg.Validate()
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "scanners[0].artifacts.paths[1]", cfgErr.Field)
	require.ErrorContains(t, err, `invalid glob "reports/[a-"`)
}
