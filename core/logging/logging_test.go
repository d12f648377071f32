package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"trace":   logiface.LevelTrace,
		"DEBUG":   logiface.LevelDebug,
		"":        logiface.LevelInformational,
		"warning": logiface.LevelWarning,
		"err":     logiface.LevelError,
		"crit":    logiface.LevelCritical,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Writer: &buf, Level: "debug"})
	require.NoError(t, err)

	l.Info().Str("cid", "7").Int("fd", 9).Log("accept")
	l.Trace().Log("dropped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "accept", line["msg"])
	assert.Equal(t, "7", line["cid"])
	assert.Equal(t, "9", fmt.Sprint(line["fd"]))
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Err().Str("k", "v").Log("nothing")
	})
}
