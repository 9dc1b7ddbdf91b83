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

	"github.com/blitsync/blit/internal/mirror"
)

const defaultLogLevel = slog.LevelInfo

type globArg []string

func (s *globArg) String() string { return fmt.Sprint(*s) }

func (s *globArg) Set(value string) error {
	*s = append(*s, strings.TrimSpace(value))
	return nil
}

type programOptions struct {
	Mirror         bool     `yaml:"mirror"`
	Checksum       bool     `yaml:"checksum"`
	Force          bool     `yaml:"force"`
	IgnoreExisting bool     `yaml:"ignore-existing"`
	DryRun         bool     `yaml:"dry-run"`
	ForceGRPC      bool     `yaml:"force-grpc"`
	Excludes       globArg  `yaml:"exclude"`
	Includes       globArg  `yaml:"include"`
	JournalStore   string   `yaml:"journal-store"`
	PerfHistoryDir string   `yaml:"perf-history"`
	MetricsListen  string   `yaml:"metrics-listen"`
	LogLevel       string   `yaml:"log-level"`
	JSON           bool     `yaml:"json"`
}

func parseArgs(cliArgs []string) (*programOptions, []string, error) {
	opts := &programOptions{}
	var yamlFile string
	var yamlOpts programOptions

	flags := flag.NewFlagSet("blit", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] SOURCE DESTINATION\n\n", cliArgs[0])
		flags.PrintDefaults()
	}

	flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file")
	flags.BoolVar(&opts.Mirror, "mirror", false, "prune destination entries absent from the source after copying")
	flags.BoolVar(&opts.Checksum, "checksum", false, "compare files by content hash instead of size+mtime")
	flags.BoolVar(&opts.Force, "force", false, "always copy, regardless of destination state")
	flags.BoolVar(&opts.IgnoreExisting, "ignore-existing", false, "skip any file whose destination already exists")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "preview only; no changes are written to disk")
	flags.BoolVar(&opts.ForceGRPC, "force-grpc", false, "force the control-plane fallback transport")
	flags.Var(&opts.Excludes, "exclude", "glob pattern to exclude; can be repeated")
	flags.Var(&opts.Includes, "include", "glob pattern to include; can be repeated")
	flags.StringVar(&opts.JournalStore, "journal-store", "", "change-journal cache path enabling the fast-path skip (local transfers only)")
	flags.StringVar(&opts.PerfHistoryDir, "perf-history", "", "directory to record a performance-history entry into")
	flags.StringVar(&opts.MetricsListen, "metrics-listen", "", "address to serve scheduler worker-pool prometheus metrics on; empty disables it")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "debug, info, warn, or error")
	flags.BoolVar(&opts.JSON, "json", false, "emit logs as JSON on stderr")

	if err := flags.Parse(cliArgs[1:]); err != nil {
		return nil, nil, fmt.Errorf("parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if yamlFile != "" {
		data, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading config %q: %w", yamlFile, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&yamlOpts); err != nil {
			return nil, nil, fmt.Errorf("parsing config %q: %w", yamlFile, err)
		}
	}

	overlayBool := func(name string, flagVal *bool, yamlVal bool) {
		if !setFlags[name] {
			*flagVal = yamlVal
		}
	}
	overlayBool("mirror", &opts.Mirror, yamlOpts.Mirror)
	overlayBool("checksum", &opts.Checksum, yamlOpts.Checksum)
	overlayBool("force", &opts.Force, yamlOpts.Force)
	overlayBool("ignore-existing", &opts.IgnoreExisting, yamlOpts.IgnoreExisting)
	overlayBool("dry-run", &opts.DryRun, yamlOpts.DryRun)
	overlayBool("force-grpc", &opts.ForceGRPC, yamlOpts.ForceGRPC)
	overlayBool("json", &opts.JSON, yamlOpts.JSON)
	if !setFlags["exclude"] {
		opts.Excludes = append(opts.Excludes, yamlOpts.Excludes...)
	}
	if !setFlags["include"] {
		opts.Includes = append(opts.Includes, yamlOpts.Includes...)
	}
	if !setFlags["journal-store"] && opts.JournalStore == "" {
		opts.JournalStore = yamlOpts.JournalStore
	}
	if !setFlags["perf-history"] && opts.PerfHistoryDir == "" {
		opts.PerfHistoryDir = yamlOpts.PerfHistoryDir
	}
	if !setFlags["metrics-listen"] && opts.MetricsListen == "" {
		opts.MetricsListen = yamlOpts.MetricsListen
	}
	if !setFlags["log-level"] && yamlOpts.LogLevel != "" {
		opts.LogLevel = yamlOpts.LogLevel
	}

	return opts, flags.Args(), nil
}

func comparisonMode(checksum, force, ignoreExisting bool) (mirror.Mode, error) {
	set := 0
	if checksum {
		set++
	}
	if force {
		set++
	}
	if ignoreExisting {
		set++
	}
	if set > 1 {
		return mirror.Default, fmt.Errorf("at most one of --checksum, --force, --ignore-existing may be set")
	}
	switch {
	case checksum:
		return mirror.Checksum, nil
	case force:
		return mirror.Force, nil
	case ignoreExisting:
		return mirror.IgnoreExisting, nil
	default:
		return mirror.Default, nil
	}
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
