package flowhs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the runtime logging contract. Messages are printf templates.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (lv Level) String() string {
	if lv < LevelTrace || lv > LevelFatal {
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
	return levelNames[lv]
}

// ParseLevel accepts the level names used by the CLI, in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelInfo, NewError(ErrInvalidArgument, fmt.Sprintf("unknown log level %q", s),
		map[string]any{"level": s})
}

// correlationFields lead every line in this order; other fields follow sorted.
var correlationFields = []string{"saga_key", "flow_id", "operation", "switch_id"}

// FmtLogger writes plain text lines and is the fallback when no logger is
// configured. The CLI wires go-logger/glog instead.
type FmtLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	ctx    context.Context
	min    Level
	fields map[string]any
}

// NewFmtLogger logs at LevelTrace and above to out, or stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{mu: &sync.Mutex{}, out: out, ctx: context.Background()}
}

// AtLevel returns a copy dropping lines below min.
func (l *FmtLogger) AtLevel(min Level) *FmtLogger {
	cp := *l.orDefault()
	cp.min = min
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := *l.orDefault()
	if ctx == nil {
		ctx = context.Background()
	}
	cp.ctx = ctx
	return &cp
}

// WithFields returns a copy carrying fields on top of the current ones.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = mergeFields(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return l
}

func (l *FmtLogger) log(level Level, msg string, args []any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	writeFields(&b, l.fields)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Trace(string, ...any)                 {}
func (NopLogger) Debug(string, ...any)                 {}
func (NopLogger) Info(string, ...any)                  {}
func (NopLogger) Warn(string, ...any)                  {}
func (NopLogger) Error(string, ...any)                 {}
func (NopLogger) Fatal(string, ...any)                 {}
func (n NopLogger) WithContext(context.Context) Logger { return n }
func (n NopLogger) WithFields(map[string]any) Logger   { return n }

// NormalizeLogger returns logger or the fmt fallback when nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when logger supports them. Empty values
// are dropped so sagas without a flow id yet do not log flow_id="".
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	fl, ok := logger.(FieldsLogger)
	if !ok {
		return logger
	}
	kept := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, isString := v.(string); isString && s == "" {
			continue
		}
		kept[k] = v
	}
	if len(kept) == 0 {
		return logger
	}
	return fl.WithFields(kept)
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func writeFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for _, k := range correlationFields {
		if _, ok := fields[k]; ok {
			keys = append(keys, k)
		}
	}
	lead := len(keys)
	for k := range fields {
		if !isCorrelationField(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys[lead:])

	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if v == "" || strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(b, " %s=%s", k, v)
	}
}

func isCorrelationField(k string) bool {
	for _, c := range correlationFields {
		if c == k {
			return true
		}
	}
	return false
}
