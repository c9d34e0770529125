package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "funnel", cmd.Use)
	assert.Contains(t, cmd.Long, "versioned store")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "migrate", "sync", "validate", "stages", "history", "start", "advance", "resume", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestAdvanceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	advanceCmd, _, err := cmd.Find([]string{"advance"})
	require.NoError(t, err)

	for _, name := range []string{"to", "end", "delay", "at"} {
		assert.NotNil(t, advanceCmd.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "validate", t.TempDir()})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootOptions_DatabaseOverride(t *testing.T) {
	base := testConfig(t)
	opts := &RootOptions{Config: base, Database: "override.db"}

	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "override.db", cfg.Database.DSN)
	assert.NotEqual(t, "override.db", base.Database.DSN, "flag must not mutate the shared config")
}
