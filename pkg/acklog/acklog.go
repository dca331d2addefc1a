// Package acklog is the default aclk.Logger implementation: structured,
// leveled logging over zerolog.
package acklog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger behind the aclk.Logger interface.
type Logger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New creates a Logger writing structured JSON lines to stderr with a
// timestamp field. ACLK_LOG_SAMPLE_N, when set to an integer > 1, samples
// Warn/Error to cut log spam during reconnect storms.
func New() *Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "aclk").Logger()
	var samp zerolog.Sampler
	if v := os.Getenv("ACLK_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &Logger{logger: l, sampler: samp, sampled: sampled}
}

// WithField returns a derived Logger carrying one extra structured field,
// e.g. acklog's own construction for a specific connection attempt.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger:  l.logger.With().Interface(key, value).Logger(),
		sampler: l.sampler,
		sampled: l.sampled,
	}
}

func (l *Logger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(l.logger.Info(), msg, kv...) }

func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Warn(), msg, kv...)
		return
	}
	l.log(l.logger.Warn(), msg, kv...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Error(), msg, kv...)
		return
	}
	l.log(l.logger.Error(), msg, kv...)
}
