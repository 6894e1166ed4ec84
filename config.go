package main

import (
	"io"
	"log/slog"
	"time"
)

// logger is the logging interface used by the dumper.
type logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ConfigOption is a function pointer to implement the option pattern
type ConfigOption func(*Config)

// Config holds the settings of one dump run.
type Config struct {
	// bufferSize is the size of the copy buffer per member
	bufferSize int

	// extension selects the output container format and file extension
	extension string

	// memberPolicy decides which pool members are written
	memberPolicy MemberPolicy

	// logger stream for the run
	logger logger

	// poolOpener decodes pool partitions
	poolOpener PoolOpener

	// progressOut receives live progress lines, nil disables them
	progressOut io.Writer

	// progressInterval is the minimum time between progress redraws
	progressInterval time.Duration

	// reportHook consumes the report once the run finished
	reportHook ReportHook

	// now is the clock used for progress and durations
	now func() time.Time
}

const (
	defaultExtension        = "vhdx"
	defaultMemberPolicy     = MemberPolicyAll
	defaultProgressInterval = 250 * time.Millisecond
)

var (
	// slog to discard
	defaultLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	// no operation report hook
	defaultReportHook = func(r *DumpReport) {}
)

// NewConfig applies opts on top of the defaults.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		bufferSize:       defaultBufferSize,
		extension:        defaultExtension,
		memberPolicy:     defaultMemberPolicy,
		logger:           defaultLogger,
		poolOpener:       openRegisteredPool,
		progressInterval: defaultProgressInterval,
		reportHook:       defaultReportHook,
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(config)
	}
	return config
}

// BufferSize returns the copy buffer size.
func (c *Config) BufferSize() int { return c.bufferSize }

// Extension returns the output file extension.
func (c *Config) Extension() string { return c.extension }

// MemberPolicy returns the member selection policy.
func (c *Config) MemberPolicy() MemberPolicy { return c.memberPolicy }

// Logger returns the logger.
func (c *Config) Logger() logger { return c.logger }

// ReportHook returns the report hook.
func (c *Config) ReportHook() ReportHook {
	if c.reportHook == nil {
		return defaultReportHook
	}
	return c.reportHook
}

// WithBufferSize sets the copy buffer size. Values <= 0 keep the default.
func WithBufferSize(size int) ConfigOption {
	return func(c *Config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithExtension sets the output container extension.
func WithExtension(ext string) ConfigOption {
	return func(c *Config) {
		if len(ext) > 0 {
			c.extension = ext
		}
	}
}

// WithMemberPolicy sets which pool members are dumped.
func WithMemberPolicy(p MemberPolicy) ConfigOption {
	return func(c *Config) {
		c.memberPolicy = p
	}
}

// WithLogger options pattern function to set a custom logger.
func WithLogger(logger logger) ConfigOption {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPoolOpener replaces the registered pool decoders.
func WithPoolOpener(open PoolOpener) ConfigOption {
	return func(c *Config) {
		c.poolOpener = open
	}
}

// WithProgress enables live progress output on w.
func WithProgress(w io.Writer, interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.progressOut = w
		if interval > 0 {
			c.progressInterval = interval
		}
	}
}

// WithReportHook sets a function called with the final report.
func WithReportHook(hook ReportHook) ConfigOption {
	return func(c *Config) {
		c.reportHook = hook
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) ConfigOption {
	return func(c *Config) {
		if now != nil {
			c.now = now
		}
	}
}
