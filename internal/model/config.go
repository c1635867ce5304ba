package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/bmatcuk/doublestar/v4"

	_ "embed"
)

const (
	ServiceModeManual  = "manual"
	ServiceModeService = "service"

	InstallerLocal = "local"
	InstallerPip   = "pip"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	// BaseExtra names the project's mandatory dependencies.
	BaseExtra = "base"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int             `json:"version" yaml:"version"` // fixed 0 for now
	Project     Project         `json:"project" yaml:"project"`
	Environment EnvironmentSpec `json:"environment" yaml:"environment"`
	Triggers    Triggers        `json:"triggers" yaml:"triggers"`
	Scanners    []Scanner       `json:"scanners" yaml:"scanners"`
	Run         Run             `json:"run" yaml:"run"`
	Service     Service         `json:"service" yaml:"service"`
}

// Project points to the scanned code and to its dependency metadata.
type Project struct {
	Root        string `json:"root" yaml:"root"`
	Manifest    string `json:"manifest" yaml:"manifest"` // pyproject.toml
	Index       string `json:"index" yaml:"index"`       // local package index (index.yaml)
	Ref         string `json:"ref" yaml:"ref"`           // branch used by manual and scheduled runs
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
}

// EnvironmentSpec selects the extras installed into the tool environment.
type EnvironmentSpec struct {
	Extras       []string `json:"extras" yaml:"extras"`
	Mode         PinMode  `json:"mode" yaml:"mode"`
	Installer    string   `json:"installer" yaml:"installer"`
	Requirements string   `json:"requirements,omitempty" yaml:"requirements,omitempty"` // pinned file, resolved from manifest when empty
}

type Triggers struct {
	Manual   bool      `json:"manual" yaml:"manual"`
	Push     *Push     `json:"push,omitempty" yaml:"push,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

type Push struct {
	Branches []string `json:"branches" yaml:"branches"` // exact names or globs
}

type Schedule struct {
	Cron string `json:"cron" yaml:"cron"`
}

// Scanner configures one external scan tool.
type Scanner struct {
	Name           string            `json:"name" yaml:"name"`
	Command        string            `json:"command" yaml:"command"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Config         string            `json:"config,omitempty" yaml:"config,omitempty"`
	Target         string            `json:"target" yaml:"target"`
	Timeout        string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailOnFindings bool              `json:"fail_on_findings" yaml:"fail_on_findings"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Artifacts      *Artifacts        `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

type Artifacts struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Paths []string `json:"paths" yaml:"paths"`
}

// BundleName is stable across runs of the same scanner.
func (s Scanner) BundleName() string {
	if s.Artifacts != nil && s.Artifacts.Name != "" {
		return s.Artifacts.Name
	}
	return s.Name + "-report"
}

func (s Scanner) ArtifactPaths() []string {
	if s.Artifacts == nil {
		return nil
	}
	return s.Artifacts.Paths
}

// TimeoutDuration returns the scan timeout, zero means none.
func (s Scanner) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return 0
	}
	d, _ := ParseDuration(s.Timeout) // validated on load
	return d
}

type Run struct {
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Workdir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Keep    bool   `json:"keep" yaml:"keep"` // keep work directories after the run
}

func (r Run) TimeoutDuration() time.Duration {
	if r.Timeout == "" {
		return 0
	}
	d, _ := ParseDuration(r.Timeout)
	return d
}

type Service struct {
	Mode       string      `json:"mode" yaml:"mode"`
	Verbose    *bool       `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string     `json:"log,omitempty" yaml:"log,omitempty"`       // "stderr"|"stdout"|"discard"|path
	Listen     string      `json:"listen,omitempty" yaml:"listen,omitempty"` // HTTP API address
	Dir        string      `json:"dir" yaml:"dir"`                           // artifact directory
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
	S3         *S3         `json:"s3,omitempty" yaml:"s3,omitempty"`
	NATS       *NATS       `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// Repository is a remote bundle repository accepting HTTP uploads.
type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

type S3 struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

type NATS struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

// DefaultConfig mirrors the usual CI setup: a dependency vulnerability scan
// and a static security linter, reports always archived.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Project: Project{
			Root:     ".",
			Manifest: "pyproject.toml",
			Index:    "wheelhouse/index.yaml",
			Ref:      "main",
		},
		Environment: EnvironmentSpec{
			Extras:    []string{BaseExtra},
			Mode:      PinHashed,
			Installer: InstallerLocal,
		},
		Triggers: Triggers{
			Manual:   true,
			Push:     &Push{Branches: []string{"develop", "releases/*"}},
			Schedule: &Schedule{Cron: "0 18 * * 1-5"},
		},
		Scanners: []Scanner{
			{
				Name:    "trivy",
				Command: "trivy",
				Args:    []string{"fs", "--config", "{config}", "--format", "json", "--output", "trivy-report.json", "{target}"},
				Config:  "trivy.yaml",
				Target:  ".",
				Timeout: "15m",
				Artifacts: &Artifacts{
					Name:  "trivy-report",
					Paths: []string{"trivy-report.json"},
				},
			},
			{
				Name:    "bandit",
				Command: "bandit",
				Args:    []string{"-c", "{config}", "-r", "{target}", "-f", "json", "-o", "bandit-report.json"},
				Config:  "bandit.yaml",
				Target:  ".",
				Timeout: "15m",
				Artifacts: &Artifacts{
					Name:  "bandit-report",
					Paths: []string{"bandit-report.json"},
				},
			},
		},
		Run: Run{
			Timeout: "1h",
		},
		Service: Service{
			Mode: ServiceModeManual,
			Dir:  "artifacts",
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Validation errors are returned as a *ConfigError wrapping the CUE error,
// use CueErrDetails to get the human readable details.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, &ConfigError{Err: err}
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, &ConfigError{Err: err}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks what the schema can't express.
func (c Config) Validate() error {
	var errs []error
	if c.Triggers.Schedule != nil {
		if _, err := ParseCron(c.Triggers.Schedule.Cron); err != nil {
			errs = append(errs, &ConfigError{Field: "triggers.schedule.cron", Err: err})
		}
	}
	if c.Run.Timeout != "" {
		if _, err := ParseDuration(c.Run.Timeout); err != nil {
			errs = append(errs, &ConfigError{Field: "run.timeout", Err: err})
		}
	}

	names := make(map[string]struct{}, len(c.Scanners))
	bundles := make(map[string]struct{}, len(c.Scanners))
	for idx, s := range c.Scanners {
		field := fmt.Sprintf("scanners[%d]", idx)
		if _, ok := names[s.Name]; ok {
			errs = append(errs, NewConfigError(field+".name", "duplicate scanner %q", s.Name))
		}
		names[s.Name] = struct{}{}
		if _, ok := bundles[s.BundleName()]; ok {
			errs = append(errs, NewConfigError(field+".artifacts.name", "duplicate bundle %q", s.BundleName()))
		}
		bundles[s.BundleName()] = struct{}{}
		if s.Timeout != "" {
			if _, err := ParseDuration(s.Timeout); err != nil {
				errs = append(errs, &ConfigError{Field: field + ".timeout", Err: err})
			}
		}
		for j, glob := range s.ArtifactPaths() {
			if !doublestar.ValidatePattern(glob) {
				errs = append(errs, NewConfigError(fmt.Sprintf("%s.artifacts.paths[%d]", field, j), "invalid glob %q", glob))
			}
		}
	}

	if c.Environment.Installer == InstallerPip && c.Project.Interpreter == "" {
		errs = append(errs, NewConfigError("project.interpreter", "required by the pip installer"))
	}
	return errors.Join(errs...)
}

// FailOn returns scanners which fail the run on findings.
func (c Config) FailOn() map[string]bool {
	ret := make(map[string]bool, len(c.Scanners))
	for _, s := range c.Scanners {
		ret[s.Name] = s.FailOnFindings
	}
	return ret
}
