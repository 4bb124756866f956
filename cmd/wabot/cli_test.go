package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabot/internal/errors"
)

func TestVersionCommand(t *testing.T) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out

	require.NoError(t, app.Run([]string{"wabot", "version"}))
	assert.Equal(t, "wabot "+Version+"\n", out.String())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("WABOT_OWNER_NUMBER", "15550000002")
	t.Setenv("WABOT_MODE", "secret")

	err := newApp().Run([]string{"wabot", "run"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestRunRequiresOwner(t *testing.T) {
	t.Setenv("WABOT_OWNER_NUMBER", "")

	err := newApp().Run([]string{"wabot", "pair"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "WABOT_OWNER_NUMBER")
}

func TestMissingConfigFile(t *testing.T) {
	err := newApp().Run([]string{"wabot", "--config", t.TempDir() + "/nope.yaml", "run"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
