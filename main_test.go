package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsync/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = newLogger(config.LoggingConfig{Level: "chatty", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	for _, name := range []string{"run", "serve", "client", "receive", "check"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("demo"))

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("listen"))

	receive, _, err := root.Find([]string{"receive"})
	require.NoError(t, err)
	assert.Equal(t, "10", receive.Flags().Lookup("max").DefValue)
}

func TestCheckWithoutSinks(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("BUS_URL", "")

	root := newRootCmd()
	root.SetArgs([]string{"check"})
	assert.NoError(t, root.Execute())
}

func TestClientAgainstEmbeddedGrid(t *testing.T) {
	t.Setenv("GRID_MODE", "embedded")
	t.Setenv("LOG_LEVEL", "warn")

	root := newRootCmd()
	root.SetArgs([]string{"client"})
	assert.NoError(t, root.Execute())
}
