package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"api", "worker", "all", "migrate"} {
		assert.True(t, names[want], want)
	}
}

func TestMigrateTimeoutFlag(t *testing.T) {
	root := newRootCommand()
	cmd, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)

	flag := cmd.Flags().Lookup("timeout")
	require.NotNil(t, flag)
	assert.Equal(t, "2m0s", flag.DefValue)
}

func TestUnknownArgsRejected(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"api", "extra"})
	assert.Error(t, root.Execute())
}
