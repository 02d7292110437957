package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "model-hub", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 2, "should have controller and worker subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["controller"])
	assert.True(t, names["worker"])
}

func TestBuildControllerCommand(t *testing.T) {
	cmd := buildControllerCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "controller", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	flag := cmd.Flags().Lookup("config")
	assert.NotNil(t, flag, "should have --config flag")
	assert.Equal(t, "c", flag.Shorthand)
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	flag := cmd.Flags().Lookup("config")
	assert.NotNil(t, flag, "should have --config flag")
	assert.Equal(t, "c", flag.Shorthand)
}
