package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "warden.yaml"

var (
	userConfigPath string // /default/config/path/warden on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "warden")

	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWarden
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	runCmd.Flags().StringVar(&flagEvent, "event", string(model.EventManual), "event dispatched in manual mode: manual, push or scheduled")
	runCmd.Flags().StringVar(&flagBranch, "branch", "", "branch of a push event")
	admitCmd.Flags().StringVar(&flagEvent, "event", string(model.EventManual), "event kind: manual, push or scheduled")
	admitCmd.Flags().StringVar(&flagBranch, "branch", "", "branch of a push event")
	admitCmd.Flags().StringVar(&flagAt, "at", "", "time of a scheduled event in RFC 3339, now by default")
	freezeCmd.Flags().StringVar(&flagOutput, "output", "requirements.txt", "pinned requirements file to write")
	freezeCmd.Flags().StringVar(&flagSBOM, "sbom", "", "write CycloneDX SBOM of the pinned environment to a file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(admitCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("warden failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "warden",
	Short:        "Security scan orchestrator for CI pipelines",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a warden",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(out, "warden: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(out, "config: %s\n", configPath)
		}
		_, _ = fmt.Fprintf(out, "warden: %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(out, "date:   %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(out, "dirty:  %s\n", s.Value)
			}
		}
		_, _ = fmt.Fprintln(out)
	},
}

func initWarden(cmd *cobra.Command, _ []string) error {
	configPath = ""
	if envConfig, ok := os.LookupEnv("WARDENCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = configName
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.Message, d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	configPath = abs

	// --verbose has a precedence over config file
	verbose := flagVerbose || (config.Service.Verbose != nil && *config.Service.Verbose)

	// initialize logging
	dest := ""
	if config.Service.Log != nil {
		dest = *config.Service.Log
	}
	w, closer, err := log.Output(dest)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, verbose))

	slog.Debug("warden run", "configPath", configPath)
	slog.Debug("warden run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// baseDir is the directory relative paths of the config are resolved against.
func baseDir() string {
	return filepath.Dir(configPath)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
