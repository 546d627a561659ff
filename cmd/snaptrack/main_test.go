package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rpattn/snaptrack/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{
			Backend: "sqlite",
			SQLite:  config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "snaptrack.db")},
		},
		API: config.APIConfig{Addr: ":0"},
		Domains: []config.DomainConfig{{
			Name: "vehicles",
			Fields: []config.FieldConfig{
				{Name: "VIN"},
				{Name: "Price", Type: "float"},
			},
			KeyFields:     []string{"VIN"},
			TrackedFields: []string{"Price"},
		}},
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, a *app, build func(*pflag.FlagSet) func(context.Context, *app) error, args ...string) error {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cmd := build(fs)
	require.NoError(t, fs.Parse(args))
	return cmd(context.Background(), a)
}

func TestRunRebuildAndExportCommands(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	first := writeFile(t, "day1.csv", "VIN,Price\nV1,100\nV2,50\n")
	second := writeFile(t, "day2.csv", "VIN,Price\nV1,120\n")
	require.NoError(t, execute(t, a, runCommand, "--domain", "vehicles", "--file", first, "--observed-at", "2024-05-01T09:00:00Z"))
	require.NoError(t, execute(t, a, runCommand, "--domain", "vehicles", "--file", second, "--observed-at", "2024-05-02T09:00:00Z"))

	require.NoError(t, execute(t, a, rebuildCommand))

	out := filepath.Join(t.TempDir(), "removed.csv")
	require.NoError(t, execute(t, a, exportCommand, "--domain", "vehicles", "--format", "csv", "--table", "removed", "--out", out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "V2", rows[1][0])
}

func TestRunCommandDryRunLeavesStoreEmpty(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	file := writeFile(t, "day1.csv", "VIN,Price\nV1,100\n")
	require.NoError(t, execute(t, a, runCommand, "--domain", "vehicles", "--file", file, "--dry-run"))

	current, err := a.tracker.Current(context.Background(), "vehicles")
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestCommandsRequireDomain(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, execute(t, a, runCommand, "--file", "missing.csv"))
	assert.Error(t, execute(t, a, exportCommand))
	assert.Error(t, execute(t, a, exportCommand, "--domain", "vehicles", "--format", "pdf", "--out", filepath.Join(t.TempDir(), "x.pdf")))
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "tape"
	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown storage backend")
}
