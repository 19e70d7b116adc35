// Package logger builds the zerolog root logger and carries per-request and
// per-session fields through context.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// SampleN keeps one in N events; 0 or 1 disables sampling.
	SampleN   int
	Component string
}

// fields is stored by value in the context; every With* copies it.
type fields struct {
	requestID string
	session   string
	variant   string
	mode      string
	component string
}

type fieldsKey struct{}

func fromCtx(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func with(ctx context.Context, edit func(*fields)) context.Context {
	f := fromCtx(ctx)
	edit(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRequestID attaches reqID, minting one when empty.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return with(ctx, func(f *fields) { f.requestID = reqID })
}

// WithSession tags log lines with the fetch session that produced them.
func WithSession(ctx context.Context, session, variant, mode string) context.Context {
	return with(ctx, func(f *fields) {
		f.session, f.variant, f.mode = session, variant, mode
	})
}

func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return with(ctx, func(f *fields) { f.component = component })
}

func NewID() string { return uuid.NewString() }

func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	zl := zerolog.New(out).Level(ParseLevel(cfg.Level))
	if cfg.SampleN > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: uint32(min(cfg.SampleN, 1<<20))})
	}
	c := zl.With().Timestamp()
	if cfg.Component != "" {
		c = c.Str("component", cfg.Component)
	}
	return c.Logger()
}

// FromContext returns parent enriched with the fields carried by ctx.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	f := fromCtx(ctx)
	if f == (fields{}) {
		return &base
	}
	w := base.With()
	for _, kv := range [...][2]string{
		{"request_id", f.requestID},
		{"session", f.session},
		{"variant", f.variant},
		{"mode", f.mode},
		{"component", f.component},
	} {
		if kv[1] != "" {
			w = w.Str(kv[0], kv[1])
		}
	}
	l := w.Logger()
	return &l
}
