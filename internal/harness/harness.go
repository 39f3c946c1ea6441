package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/atsh/internal/compiler"
	"github.com/roach88/atsh/internal/config"
	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/engine"
	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/lifecycle"
	"github.com/roach88/atsh/internal/logsink"
	"github.com/roach88/atsh/internal/mode"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/plugins"
	"github.com/roach88/atsh/internal/proc"
)

// Definition is a complete ATS: its manifest and its script.
type Definition struct {
	// Manifest is the CUE source of the harness manifest.
	Manifest []byte

	// ManifestFile names the manifest in error positions.
	ManifestFile string

	Script engine.Script

	// Catalog returns the plugin implementations. Nil selects the built-ins.
	Catalog func(tracker *proc.Tracker) *plugin.Catalog
}

// Compile parses the definition's manifest.
func (d Definition) Compile() (*compiler.Manifest, error) {
	name := d.ManifestFile
	if name == "" {
		name = "manifest.cue"
	}
	return compiler.CompileManifest(d.Manifest, name)
}

// Config is the per-invocation input collected from the command line.
type Config struct {
	Mode mode.Input

	// File is an optional TOML file overriding the manifest constants.
	File string

	// DebugLogs lifts every log class exclusion.
	DebugLogs bool

	// Verbose lowers the stderr diagnostics threshold to debug.
	Verbose bool

	Groups []string

	// StopOnTestcaseFailure ends the run after the first testcase that does
	// not pass.
	StopOnTestcaseFailure bool
}

// IO carries the process resources a run touches. Zero fields select the
// real process resources.
type IO struct {
	Stdout io.Writer
	Stderr io.Writer

	// Signals replaces OS signal handling when set.
	Signals *control.Signals

	IDs event.IDGenerator
	Now func() time.Time
}

func (o IO) withDefaults() IO {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.IDs == nil {
		o.IDs = event.UUIDv7Generator{}
	}
	return o
}

// Run executes def once and returns the exit code.
//
// Configuration problems are reported on stderr only and return
// engine.CodeConfigError before anything is logged. An unreachable logging
// target returns engine.CodeLoggerUnreachable. Otherwise the code is the
// run's outcome.
func Run(ctx context.Context, def Definition, cfg Config, rio IO) int {
	rio = rio.withDefaults()

	manifest, err := def.Compile()
	if err != nil {
		fmt.Fprintf(rio.Stderr, "Error: %v\n", err)
		return engine.CodeConfigError
	}

	settings, excluded, err := loadSettings(manifest, cfg)
	if err != nil {
		fmt.Fprintf(rio.Stderr, "Error: %v\n", err)
		return engine.CodeConfigError
	}

	resolved, err := mode.Resolve(cfg.Mode, mode.Defaults{TACSPort: settings.TACSPort, ILPort: settings.ILPort})
	if err != nil {
		fmt.Fprintf(rio.Stderr, "Error: %v\n", err)
		return engine.CodeConfigError
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	stderrHandler := slog.NewTextHandler(rio.Stderr, &slog.HandlerOptions{Level: level})

	pipeline, err := logsink.Open(ctx, resolved.Log, logsink.Options{
		RunID:          rio.IDs.Generate(),
		JobID:          resolved.JobID,
		MaxPayloadSize: settings.MaxLogPayloadSize,
		Excluded:       excluded,
		DialTimeout:    settings.DialTimeout,
		Stdout:         rio.Stdout,
		Now:            rio.Now,
	})
	if err != nil {
		fmt.Fprintf(rio.Stderr, "Error: %v\n", err)
		return engine.CodeLoggerUnreachable
	}

	logger := slog.New(logsink.Tee{stderrHandler, logsink.NewHandler(pipeline, slog.LevelDebug)})
	pipeline.RunStarted(logsink.RunInfo{
		ATSName:    manifest.Name,
		ATSVersion: manifest.Version,
		Mode:       resolved.Kind,
	})
	for _, w := range resolved.Warnings {
		logger.Warn(w)
	}
	if !resolved.RemoteProbesEnabled() {
		logger.Debug("no TACS address, remote probes disabled")
	}

	signals := rio.Signals
	if signals == nil {
		signals = control.New()
		stop := control.Watch(ctx, signals, logger)
		defer stop()
	}

	tracker := proc.NewTracker(settings.ReapGracePeriod, logger)
	catalogFn := def.Catalog
	if catalogFn == nil {
		catalogFn = plugins.Builtin
	}

	ctrl := engine.New(engine.Options{
		Pipeline:      pipeline,
		Logger:        logger,
		Signals:       signals,
		Finalizer:     lifecycle.New(logger),
		Tracker:       tracker,
		Catalog:       catalogFn(tracker),
		ProbePaths:    settings.ProbePaths,
		CodecPaths:    settings.CodecPaths,
		Schema:        manifest.Schema,
		InputSession:  resolved.InputSession,
		OutputSession: resolved.OutputSession,
		TACS:          resolved.TACS,
		DialTimeout:   settings.DialTimeout,
		IDs:           rio.IDs,
		Groups:        cfg.Groups,

		StopOnTestcaseFailure: cfg.StopOnTestcaseFailure,
	})
	outcome := ctrl.Run(ctx, def.Script)

	pipeline.RunStopped(outcome.Code, outcome.Message, summaries(ctrl.Results())...)
	if err := pipeline.Close(); err != nil {
		fmt.Fprintf(rio.Stderr, "Error: closing log: %v\n", err)
	}
	return outcome.Code
}

func summaries(results []engine.TestcaseResult) []logsink.TestcaseSummary {
	out := make([]logsink.TestcaseSummary, len(results))
	for i, r := range results {
		out[i] = logsink.TestcaseSummary{ID: r.ID, Group: r.Group, Verdict: string(r.Verdict)}
	}
	return out
}

// loadSettings merges the manifest constants with the optional config file
// and turns the excluded class names into classes.
func loadSettings(m *compiler.Manifest, cfg Config) (config.Settings, []event.Class, error) {
	settings := config.FromManifest(m)
	if cfg.File != "" {
		var err error
		if settings, err = config.Load(cfg.File, settings); err != nil {
			return config.Settings{}, nil, err
		}
	}
	if cfg.DebugLogs {
		settings.ExcludedLogClasses = nil
	}

	var excluded []event.Class
	var errs []error
	for _, name := range settings.ExcludedLogClasses {
		c, err := event.ParseClass(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		excluded = append(excluded, c)
	}
	if len(errs) > 0 {
		return config.Settings{}, nil, fmt.Errorf("excluded_log_classes: %w", errors.Join(errs...))
	}
	return settings, excluded, nil
}
