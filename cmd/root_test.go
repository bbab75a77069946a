//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"crawl", "resume", "retry", "status", "runs"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "portal-sync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	flag := rootCmd.PersistentFlags().Lookup("vendor")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestCrawlCommand_Flags(t *testing.T) {
	for _, name := range []string{"from", "to", "subjects", "municipalities", "force", "workers", "parallel"} {
		assert.NotNil(t, crawlCmd.Flags().Lookup(name), "crawl should have --%s", name)
	}
	assert.Equal(t, "false", crawlCmd.Flags().Lookup("force").DefValue)
	assert.Equal(t, "0", crawlCmd.Flags().Lookup("workers").DefValue)
}

func TestRetryCommand_Flags(t *testing.T) {
	flag := retryCmd.Flags().Lookup("from-ledger")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])

	flag := runsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}
