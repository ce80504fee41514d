package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
)

// defaultConfigFile is read from the working directory when no config is
// given.
const defaultConfigFile = "inferd.yaml"

// app is the state shared by subcommands once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool
	model      string
	kvDir      string

	cfg config.Config
	log zerolog.Logger
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local LLM inference server with session KV cache reuse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", envStr("INFERD_CONFIG", ""), "Config file (.yaml, .json or .toml); defaults to INFERD_CONFIG, then ./inferd.yaml")
	pf.StringVar(&a.logLevel, "log-level", envStr("INFERD_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	pf.BoolVar(&a.logJSON, "log-json", false, "Log JSON lines instead of console output")
	pf.StringVar(&a.model, "model", envStr("INFERD_MODEL", ""), "Model .gguf file or directory (overrides config)")
	pf.StringVar(&a.kvDir, "kv-dir", "", "Session KV cache directory (overrides config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup(cmd.ErrOrStderr())
	}

	root.AddCommand(newServeCmd(a), newGenerateCmd(a), newCacheCmd(a))
	return root
}

// setup loads the config file, applies flag overrides and defaults and
// builds the logger.
func (a *app) setup(logOut io.Writer) error {
	if a.configPath == "" && fsutil.PathExists(defaultConfigFile) {
		a.configPath = defaultConfigFile
	}
	a.cfg = config.Default()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.model != "" {
		a.cfg.Model.Source = a.model
	}
	if a.kvDir != "" {
		a.cfg.KVCache.StorageDir = a.kvDir
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	a.cfg.ApplyDefaults()
	if a.cfg.Model.Debug {
		a.cfg.LogLevel = "debug"
	}
	a.log = newLogger(logOut, a.cfg.LogLevel, a.logJSON)
	return nil
}

func newLogger(w io.Writer, level string, jsonOut bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
