package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"Warn":  WarnLevel,
		"ERROR": ErrorLevel,
		"fatal": FatalLevel,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

func TestNewLoggerWithFields(t *testing.T) {
	logger, err := New("DEBUG", "json")
	require.NoError(t, err)

	child := logger.WithField("component", "test")
	require.NotNil(t, child)

	child2 := child.WithFields(map[string]interface{}{"cycle_id": "abc"})
	require.NotNil(t, child2)

	child2.Info("hello", "key", "value")
}
