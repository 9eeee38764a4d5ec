package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf})

	log.Info().Str("component", "test").Log("hello")

	require.Contains(t, buf.String(), `"hello"`)
	require.Contains(t, buf.String(), `"component":"test"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "error", Output: &buf})

	log.Debug().Log("should not appear")
	require.Empty(t, buf.String())

	log.Err().Log("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestDiscardProducesNoOutput(t *testing.T) {
	log := Discard()
	log.Err().Log("swallowed")
}
