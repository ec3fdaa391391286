package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"run", "batch", "serve", "init", "requests", "runs"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)

	flag = rootCmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "v", flag.Shorthand)
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "repusense", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("company")
	require.NotNil(t, flag, "run command should have --company flag")
	assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])

	for _, name := range []string{
		"start-date", "end-date", "use-existing", "existing-file",
		"skip-fetch", "skip-preprocess", "skip-topic", "skip-sentiment",
		"skip-keyword", "skip-engagement", "skip-publish",
		"use-remote-store", "store-bucket",
	} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s flag", name)
	}
}

func TestBatchCommand_Flags(t *testing.T) {
	flag := batchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "batch command should have --limit flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = batchCmd.Flags().Lookup("pending")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	for _, name := range []string{"no-scheduler", "no-monitor"} {
		flag = serveCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "serve command should have --%s flag", name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestRequestsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range requestsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["status"])
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q", name)
	}
}
