package main

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/mustard-hep/mustard/internal/config"
	"github.com/mustard-hep/mustard/internal/topology"
)

// runApp runs the CLI with args and returns what it wrote.
func runApp(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return runAppWithConfig(t, filepath.Join(t.TempDir(), "none.json"), args...)
}

// runAppWithConfig is runApp reading its project config from configPath.
func runAppWithConfig(t *testing.T, configPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)
	app.ExitErrHandler = func(*cli.Context, error) {} // keep os.Exit out of tests

	base := []string{"mustard", "--config", configPath, "--log-level", "error"}
	err = app.RunContext(context.Background(), append(base, args...))
	return out.String(), errOut.String(), err
}

var runIDPattern = regexp.MustCompile(`run ([0-9a-f-]{36}):`)

func TestPiPayload_IndependentOfPartition(t *testing.T) {
	whole := &piPayload{seed: 7, samples: 500}
	for i := int64(0); i < 10; i++ {
		require.NoError(t, whole.task(context.Background(), i))
	}

	left := &piPayload{seed: 7, samples: 500}
	right := &piPayload{seed: 7, samples: 500}
	for i := int64(0); i < 10; i++ {
		p := left
		if i >= 4 {
			p = right
		}
		require.NoError(t, p.task(context.Background(), i))
	}

	assert.Equal(t, whole.hits, left.hits+right.hits)
	assert.Equal(t, whole.drawn, left.drawn+right.drawn)
}

func TestEstimate(t *testing.T) {
	p := &piPayload{seed: 1, samples: 1000}
	for i := int64(0); i < 200; i++ {
		require.NoError(t, p.task(context.Background(), i))
	}

	pi, drawn := estimate([]piResult{p.result()})
	assert.Equal(t, int64(200_000), drawn)
	assert.InDelta(t, math.Pi, pi, 0.05)

	pi, drawn = estimate(nil)
	assert.Zero(t, pi)
	assert.Zero(t, drawn)
}

func TestRunLocalWorld_ThenAudit(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "ledger.db")

	out, progress, err := runApp(t, "run", "--local", "3", "--tasks", "50", "--samples", "200", "--ledger", ledger)
	require.NoError(t, err)
	assert.Contains(t, out, "50/50 tasks on 3 ranks")
	assert.Contains(t, out, "π ≈")
	assert.Contains(t, progress, "rank 0/3", "master draws its bar")
	assert.NotContains(t, progress, "rank 1/3", "other ranks stay quiet")

	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, "run ID in %q", out)
	runID := m[1]

	out, _, err = runApp(t, "audit", "--ledger", ledger, "--run", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "complete: 50/50 tasks")
	assert.Contains(t, out, "[0,17)")
	assert.Contains(t, out, "[34,50)")

	out, _, err = runApp(t, "audit", "--ledger", ledger)
	require.NoError(t, err)
	assert.Contains(t, out, runID)
}

func TestRun_SameSeedSameEstimate(t *testing.T) {
	estimateLine := func(out string) string {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "π") {
				return line
			}
		}
		return ""
	}

	one, _, err := runApp(t, "run", "--local", "1", "--tasks", "20", "--samples", "100", "--seed", "3", "--no-progress")
	require.NoError(t, err)
	four, _, err := runApp(t, "run", "--local", "4", "--tasks", "20", "--samples", "100", "--seed", "3", "--no-progress")
	require.NoError(t, err)

	require.NotEmpty(t, estimateLine(one))
	assert.Equal(t, estimateLine(one), estimateLine(four))
}

func TestRun_SingleProcessWorld(t *testing.T) {
	t.Setenv("MUSTARD_RANK", "0")
	t.Setenv("MUSTARD_SIZE", "1")
	topology.Reset()
	t.Cleanup(topology.Reset)

	out, _, err := runApp(t, "run", "--tasks", "5", "--samples", "10", "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "5/5 tasks on 1 ranks")
}

func TestRun_InvalidSamples(t *testing.T) {
	_, _, err := runApp(t, "run", "--local", "1", "--samples", "0")
	assert.Error(t, err)
}

func TestAudit_NeedsLedger(t *testing.T) {
	_, _, err := runApp(t, "audit", "--run", "x")
	assert.Error(t, err)
}

func TestLaunch_PassesWorldToRanks(t *testing.T) {
	out, _, err := runApp(t, "launch", "--np", "2", "--binary", "sh", "--", "-c", `echo "hello $MUSTARD_RANK/$MUSTARD_SIZE"`)
	require.NoError(t, err)
	assert.Contains(t, out, "[rank 0] hello 0/2")
	assert.Contains(t, out, "[rank 1] hello 1/2")
}

func TestLaunch_NeedsCommand(t *testing.T) {
	_, _, err := runApp(t, "launch", "--np", "2")
	assert.Error(t, err)
}

func TestConfigInit_WritesEffectiveConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // no global config
	path := filepath.Join(t.TempDir(), "project", "config.json")

	out, _, err := runAppWithConfig(t, path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	saved, err := config.Load("", path)
	require.NoError(t, err)
	want := config.DefaultConfig()
	want.Log.Level = "error" // the --log-level override is part of the effective config
	assert.Equal(t, want, saved)

	_, _, err = runAppWithConfig(t, path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, _, err = runAppWithConfig(t, path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShow_MergesProjectFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // no global config
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Ledger.Path = "/scratch/ledger.db"
	require.NoError(t, config.Save(cfg, path))

	out, _, err := runAppWithConfig(t, path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"path": "/scratch/ledger.db"`)
	assert.Contains(t, out, `"level": "error"`)
}
