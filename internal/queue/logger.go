package queue

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger adapts slog to the asynq.Logger interface.
type Logger struct {
	l *slog.Logger
}

func NewLogger(l *slog.Logger) *Logger {
	return &Logger{l: l.With("component", "asynq")}
}

func (a *Logger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *Logger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *Logger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *Logger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }

func (a *Logger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
