package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgs_ModuleFlagRequired(t *testing.T) {
	_, err := parseArgs([]string{"blitd"})
	require.Error(t, err)
}

func TestParseArgs_SingleModule(t *testing.T) {
	opts, err := parseArgs([]string{"blitd", "--module", "data=/srv/data"})
	require.NoError(t, err)
	require.Len(t, opts.Modules, 1)
	require.Equal(t, "data", opts.Modules[0].Name)
	require.Equal(t, "/srv/data", opts.Modules[0].Root)
	require.False(t, opts.Modules[0].ReadOnly)
	require.Equal(t, ":9031", opts.ListenAddr)
}

func TestParseArgs_ReadOnlyModule(t *testing.T) {
	opts, err := parseArgs([]string{"blitd", "--module", "archive=/srv/archive:ro"})
	require.NoError(t, err)
	require.Len(t, opts.Modules, 1)
	require.True(t, opts.Modules[0].ReadOnly)
}

func TestParseArgs_MultipleModulesAndFlags(t *testing.T) {
	opts, err := parseArgs([]string{
		"blitd",
		"--module", "a=/srv/a",
		"--module", "b=/srv/b:ro",
		"--listen", "127.0.0.1:7000",
		"--admin-listen", "127.0.0.1:7001",
		"--force-grpc-default",
		"--checksum",
		"--log-level", "debug",
	})
	require.NoError(t, err)
	require.Len(t, opts.Modules, 2)
	require.Equal(t, "127.0.0.1:7000", opts.ListenAddr)
	require.Equal(t, "127.0.0.1:7001", opts.AdminAddr)
	require.True(t, opts.ForceGRPCDefault)
	require.True(t, opts.Checksum)
	require.Equal(t, "debug", opts.LogLevel)
}

func TestParseArgs_InvalidModuleSyntax(t *testing.T) {
	_, err := parseArgs([]string{"blitd", "--module", "nopath"})
	require.Error(t, err)
}

func TestParseArgs_ConfigFileModulesAndOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "blitd.yaml")
	yamlContent := `
listen: "127.0.0.1:9999"
force-grpc-default: true
modules:
  - name: data
    path: /srv/data
  - name: archive
    path: /srv/archive
    read-only: true
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0o644))

	opts, err := parseArgs([]string{"blitd", "--config", cfgPath})
	require.NoError(t, err)
	require.Len(t, opts.Modules, 2)
	require.Equal(t, "127.0.0.1:9999", opts.ListenAddr)
	require.True(t, opts.ForceGRPCDefault)

	found := false
	for _, m := range opts.Modules {
		if m.Name == "archive" {
			found = true
			require.True(t, m.ReadOnly)
		}
	}
	require.True(t, found)

	// a --listen flag on the CLI still wins over the config file.
	opts2, err := parseArgs([]string{"blitd", "--config", cfgPath, "--listen", "127.0.0.1:1"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1", opts2.ListenAddr)
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := parseLogLevel("warn")
	require.NoError(t, err)
	require.Equal(t, "WARN", lvl.String())

	_, err = parseLogLevel("bogus")
	require.Error(t, err)
}
