// Package logger provides the logging interface shared by flashsale components.
package logger

import (
	"log/slog"

	"go.uber.org/zap"
)

// Logger is satisfied by *slog.Logger. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Default returns l, or slog.Default() when l is nil.
func Default(l Logger) Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Zap adapts a *zap.Logger to Logger. Arguments are read as alternating
// key/value pairs; a trailing key without a value, or a non-string key, is
// logged under "!BADKEY".
type Zap struct {
	l *zap.Logger
}

var _ Logger = (*Zap)(nil)

// NewZap wraps l. A nil l yields a no-op logger.
func NewZap(l *zap.Logger) *Zap {
	if l == nil {
		l = zap.NewNop()
	}
	return &Zap{l: l}
}

func (z *Zap) Debug(msg string, args ...any) { z.l.Debug(msg, fields(args)...) }
func (z *Zap) Info(msg string, args ...any)  { z.l.Info(msg, fields(args)...) }
func (z *Zap) Warn(msg string, args ...any)  { z.l.Warn(msg, fields(args)...) }
func (z *Zap) Error(msg string, args ...any) { z.l.Error(msg, fields(args)...) }

func fields(args []any) []zap.Field {
	if len(args) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); {
		key, ok := args[i].(string)
		if !ok {
			// Like slog, a non-string key is a value of its own.
			out = append(out, zap.Any("!BADKEY", args[i]))
			i++
			continue
		}
		if i+1 >= len(args) {
			out = append(out, zap.Any("!BADKEY", key))
			break
		}
		if err, isErr := args[i+1].(error); isErr {
			out = append(out, zap.NamedError(key, err))
		} else {
			out = append(out, zap.Any(key, args[i+1]))
		}
		i += 2
	}
	return out
}
