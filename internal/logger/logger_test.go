package logger

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var lineRe = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\]\[(INFO|ERROR|WARN|DEBUG)\] .+\n$`)

func TestLineHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, slog.LevelInfo)
	l := slog.New(h)

	l.Info("Selected backend server 10.198.138.212:39020")

	require.Regexp(t, lineRe, buf.String())
}

func TestLineHandlerIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, slog.LevelInfo)
	l := slog.New(h)

	l.Info("Status change", "addr", "10.198.138.212:39021", "healthy", false)

	out := buf.String()
	require.Contains(t, out, "addr=10.198.138.212:39021")
	require.Contains(t, out, "healthy=false")
}

func TestLineHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, slog.LevelError)
	l := slog.New(h)

	l.Info("should be dropped")
	require.Empty(t, buf.String())

	l.Error("should appear")
	require.Contains(t, buf.String(), "[ERROR]")
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	mh := &simpleMultiHandler{handlers: []slog.Handler{
		newLineHandler(&a, slog.LevelInfo),
		newLineHandler(&b, slog.LevelInfo),
	}}
	l := slog.New(mh)
	l.Info("fanned out")

	require.NotEmpty(t, a.String())
	require.NotEmpty(t, b.String())

	require.True(t, mh.Enabled(context.Background(), slog.LevelInfo))
}
