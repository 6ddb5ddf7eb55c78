package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a zerolog logger that carries the identifiers operators search
// by: component, work order, triage entry, sweep and task.
type Logger struct {
	zlog zerolog.Logger
}

var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
}

// NewLogger creates a logger writing to cfg.Output: stdout, stderr (the
// default) or a file path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewLoggerWithWriter(cfg, w), nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewLoggerWithWriter creates a logger that writes to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if f, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewComponentLogger creates a child logger for one subsystem.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

func (l *Logger) WithWorkOrderID(id string) *Logger { return l.WithField("work_order_id", id) }
func (l *Logger) WithTriageID(id string) *Logger    { return l.WithField("triage_id", id) }
func (l *Logger) WithTaskID(id string) *Logger      { return l.WithField("task_id", id) }
func (l *Logger) WithSweepID(id string) *Logger     { return l.WithField("sweep_id", id) }

// WithSpan adds the trace and span ids of the span active in ctx, if any.
func (l *Logger) WithSpan(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{zlog: l.zlog.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()}
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Zerolog exposes the underlying logger for packages that take a
// zerolog.Logger directly.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}
