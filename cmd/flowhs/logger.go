package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goliatone/go-logger/glog"

	flowhs "github.com/goliatone/go-flowhs"
)

// glogLogger exposes a go-logger instance as a flowhs.Logger.
type glogLogger struct {
	logger   glog.Logger
	fallback *flowhs.FmtLogger
}

var (
	_ flowhs.Logger       = glogLogger{}
	_ flowhs.FieldsLogger = glogLogger{}
)

func newLogger(out io.Writer, level string) flowhs.Logger {
	lv, err := flowhs.ParseLevel(level)
	if err != nil {
		lv = flowhs.LevelInfo
	}
	return glogLogger{
		logger: glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		),
		fallback: flowhs.NewFmtLogger(out).AtLevel(lv),
	}
}

// Callers log printf style; glog would read trailing args as key/value pairs.
func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(format(msg, args)) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(format(msg, args)) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(format(msg, args)) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(format(msg, args)) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(format(msg, args)) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(format(msg, args)) }

func (l glogLogger) WithContext(ctx context.Context) flowhs.Logger {
	if l.logger == nil {
		return l.fallback.WithContext(ctx)
	}
	return glogLogger{logger: l.logger.WithContext(ctx), fallback: l.fallback}
}

func (l glogLogger) WithFields(fields map[string]any) flowhs.Logger {
	if l.logger == nil {
		return l.fallback.WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields), fallback: l.fallback}
	}
	return l
}
