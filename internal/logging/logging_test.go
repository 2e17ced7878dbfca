package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_ParsesLevel(t *testing.T) {
	var buf bytes.Buffer

	l := New("debug", &buf)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())

	l = New("bogus", &buf)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())

	l = New("", &buf)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestComponent_TagsOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Component(zerolog.New(&buf), "mesh")

	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"mesh"`)
}
