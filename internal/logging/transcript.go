package logging

import (
	"bytes"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// Transcript is a zap core that keeps a console-encoded copy of every entry
// in memory. The CLI writes it out once when a run ends.
type Transcript struct {
	zapcore.Core
	buf *lockedBuffer
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// NewTranscript creates a transcript core enabled at the given level.
func NewTranscript(level zapcore.LevelEnabler) *Transcript {
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	buf := &lockedBuffer{}
	return &Transcript{
		Core: zapcore.NewCore(encoder, zapcore.AddSync(buf), level),
		buf:  buf,
	}
}

// String returns everything logged so far.
func (t *Transcript) String() string {
	if t == nil {
		return ""
	}
	return t.buf.String()
}

// Lines returns the number of entries captured.
func (t *Transcript) Lines() int {
	s := t.String()
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n")
}
