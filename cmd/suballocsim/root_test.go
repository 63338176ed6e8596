package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer

	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestProfileCmd(t *testing.T) {
	out, err := execute(t, "profile")
	require.NoError(t, err)
	require.Equal(t, defaultProfile, out)
}

func TestRunCmd_Table(t *testing.T) {
	out, err := execute(t, "run", "--workers", "2", "--iterations", "100", "--seed", "5")
	require.NoError(t, err)

	require.Contains(t, out, "seed 5, 2 workers")
	require.Contains(t, out, "LARGEST FREE")
	require.Contains(t, out, "HostCoherent")
}

func TestRunCmd_JSON(t *testing.T) {
	path := writeProfile(t, tinyProfile)

	out, err := execute(t, "run", "-p", path, "-n", "50", "--seed", "11", "--best-fit", "--json", "--detailed-map")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var report struct {
		Run struct {
			Seed    int
			Workers int
		}
		MemoryTypes []map[string]any
		MemoryHeaps []map[string]any
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &report))
	require.Equal(t, 11, report.Run.Seed)
	require.Equal(t, 4, report.Run.Workers)
	require.Len(t, report.MemoryTypes, 1)
	require.Len(t, report.MemoryHeaps, 1)

	require.True(t, json.Valid([]byte(lines[1])))
	require.Contains(t, lines[1], "AllocatorCreateBestFit")
}

func TestRunCmd_BadFlags(t *testing.T) {
	_, err := execute(t, "run", "--log-level", "LOUD")
	require.Error(t, err)

	_, err = execute(t, "run", "--log-format", "xml")
	require.Error(t, err)

	_, err = execute(t, "run", "extra")
	require.Error(t, err)

	_, err = execute(t, "run", "--profile", "/nonexistent/device.toml")
	require.Error(t, err)
}
