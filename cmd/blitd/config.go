package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"github.com/blitsync/blit/internal/protocol"
)

const defaultLogLevel = slog.LevelInfo

// moduleArg parses a repeatable --module flag of the form
// name=path or name=path:ro, building the daemon's exported module table
// (spec.md §6 "Daemon contract"). Real module configuration loading is
// deliberately this thin: protocol.StaticResolver is documented as the
// minimal file-backed resolver needed to drive the daemon, with richer
// loading (reload-on-SIGHUP, ACLs) left as a cmd/-level concern.
type moduleArg []protocol.ModuleSpec

func (m *moduleArg) String() string {
	parts := make([]string, 0, len(*m))
	for _, s := range *m {
		parts = append(parts, s.Name+"="+s.Root)
	}
	return strings.Join(parts, ",")
}

func (m *moduleArg) Set(value string) error {
	name, rest, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("module %q: expected name=path or name=path:ro", value)
	}
	root, flagPart, hasFlag := strings.Cut(rest, ":")
	readOnly := false
	if hasFlag {
		switch flagPart {
		case "ro":
			readOnly = true
		default:
			return fmt.Errorf("module %q: unrecognized modifier %q", value, flagPart)
		}
	}
	name = strings.TrimSpace(name)
	root = strings.TrimSpace(root)
	if name == "" || root == "" {
		return fmt.Errorf("module %q: name and path must both be non-empty", value)
	}
	*m = append(*m, protocol.ModuleSpec{Name: name, Root: root, ReadOnly: readOnly})
	return nil
}

type moduleYAML struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read-only"`
}

type programOptions struct {
	ListenAddr       string       `yaml:"listen"`
	AdminAddr        string       `yaml:"admin-listen"`
	Modules          moduleArg    `yaml:"-"`
	ModulesYAML      []moduleYAML `yaml:"modules"`
	ForceGRPCDefault bool         `yaml:"force-grpc-default"`
	Checksum         bool         `yaml:"checksum"`
	PerfHistoryDir   string       `yaml:"perf-history"`
	LogLevel         string       `yaml:"log-level"`
	JSON             bool         `yaml:"json"`
}

func parseArgs(cliArgs []string) (*programOptions, error) {
	opts := &programOptions{}
	var yamlFile string
	var yamlOpts programOptions

	flags := flag.NewFlagSet("blitd", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags]\n\n", cliArgs[0])
		flags.PrintDefaults()
	}

	flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file")
	flags.StringVar(&opts.ListenAddr, "listen", ":9031", "address the transfer control plane listens on")
	flags.StringVar(&opts.AdminAddr, "admin-listen", "", "address the admin surface listens on; empty disables it")
	flags.Var(&opts.Modules, "module", "exported module as name=path or name=path:ro; can be repeated")
	flags.BoolVar(&opts.ForceGRPCDefault, "force-grpc-default", false, "force the control-plane fallback transport for every session")
	flags.BoolVar(&opts.Checksum, "checksum", false, "compare files by content hash instead of size+mtime when computing need-lists")
	flags.StringVar(&opts.PerfHistoryDir, "perf-history", "", "directory the admin surface's perf-history toggle reads and writes settings in")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "debug, info, warn, or error")
	flags.BoolVar(&opts.JSON, "json", false, "emit logs as JSON on stderr")

	if err := flags.Parse(cliArgs[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if yamlFile != "" {
		data, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", yamlFile, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&yamlOpts); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", yamlFile, err)
		}
	}

	overlayBool := func(name string, flagVal *bool, yamlVal bool) {
		if !setFlags[name] {
			*flagVal = yamlVal
		}
	}
	overlayBool("force-grpc-default", &opts.ForceGRPCDefault, yamlOpts.ForceGRPCDefault)
	overlayBool("checksum", &opts.Checksum, yamlOpts.Checksum)
	overlayBool("json", &opts.JSON, yamlOpts.JSON)
	if !setFlags["listen"] && yamlOpts.ListenAddr != "" {
		opts.ListenAddr = yamlOpts.ListenAddr
	}
	if !setFlags["admin-listen"] && yamlOpts.AdminAddr != "" {
		opts.AdminAddr = yamlOpts.AdminAddr
	}
	if !setFlags["perf-history"] && opts.PerfHistoryDir == "" {
		opts.PerfHistoryDir = yamlOpts.PerfHistoryDir
	}
	if !setFlags["log-level"] && yamlOpts.LogLevel != "" {
		opts.LogLevel = yamlOpts.LogLevel
	}
	if !setFlags["module"] {
		for _, m := range yamlOpts.ModulesYAML {
			opts.Modules = append(opts.Modules, protocol.ModuleSpec{Name: m.Name, Root: m.Path, ReadOnly: m.ReadOnly})
		}
	}

	if len(opts.Modules) == 0 {
		return nil, fmt.Errorf("at least one --module (or modules: entry in --config) is required")
	}

	return opts, nil
}

func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return defaultLogLevel, fmt.Errorf("unrecognized log level %q", levelStr)
	}
}

func logHandler(levelStr string, jsonOutput bool) slog.Handler {
	level, _ := parseLogLevel(levelStr)
	if jsonOutput {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
}
