package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI with args against a virtual controller and a fresh
// database, returning stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "deckbot.db")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--quiet", "--virtual", "--db", dbPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "deckbot dev"), out)
}

func TestPositionsCommand(t *testing.T) {
	out, err := run(t, "", "positions")
	require.NoError(t, err)

	var pos map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &pos))
	assert.Equal(t, 418.0, pos["X"])
	assert.Equal(t, 353.0, pos["Y"])
	assert.Equal(t, 19.0, pos["B"])
}

func TestServicePositions(t *testing.T) {
	out, err := run(t, "", "positions", "--service")
	require.NoError(t, err)
	assert.Contains(t, out, "change_pipette")
	assert.Contains(t, out, "attach_tip")
}

func TestPipettesCommand(t *testing.T) {
	out, err := run(t, "", "--virtual-left", "p10_multi_v1", "pipettes")
	require.NoError(t, err)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "p10_multi_v1", body["left"]["model"])
	assert.Nil(t, body["right"]["model"])
}

func TestMoveRejectsLowMount(t *testing.T) {
	out, err := run(t, "", "move", "--target", "mount", "--mount", "left", "100", "100", "10")
	var serr *statusError
	require.True(t, errors.As(err, &serr), "err = %v", err)
	assert.Equal(t, http.StatusBadRequest, serr.status)
	assert.Contains(t, out, "must be >= 30")
}

func TestReportKeepsComparisonOperators(t *testing.T) {
	var out bytes.Buffer
	err := report(&out, http.StatusBadRequest, map[string]string{"message": "z must be >= 30 & <= 200"})
	var serr *statusError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, out.String(), "must be >= 30 & <= 200")
	assert.NotContains(t, out.String(), `\u003e`)
}

func TestMoveCommand(t *testing.T) {
	out, err := run(t, "", "move", "--home", "--model", "p300_single_v1", "--mount", "right", "200", "90", "150")
	require.NoError(t, err)
	assert.Contains(t, out, "Move complete")
}

func TestDisengageCommand(t *testing.T) {
	_, err := run(t, "", "disengage", "x", "w")
	require.Error(t, err)

	_, err = run(t, "", "disengage", "b", "c")
	require.NoError(t, err)
}

func TestCalibrateCommand(t *testing.T) {
	stdin := strings.Join([]string{
		`{"command": "jog", "token": "x"}`,
		`not json`,
		`{"command": "start"}`,
		`{"command": "start"}`,
		"",
	}, "\n")
	out, err := run(t, stdin, "--virtual-right", "p300_single_v1", "calibrate")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var statuses []int
	var token string
	for dec.More() {
		var resp struct {
			Status int            `json:"status"`
			Body   map[string]any `json:"body"`
		}
		require.NoError(t, dec.Decode(&resp))
		statuses = append(statuses, resp.Status)
		if resp.Status == http.StatusCreated {
			token, _ = resp.Body["token"].(string)
		}
	}
	assert.Equal(t, []int{http.StatusTeapot, http.StatusBadRequest, http.StatusCreated, http.StatusConflict}, statuses)
	assert.NotEmpty(t, token)
}

func TestMigrateCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "m.db")
	exec := func(args ...string) string {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"--quiet", "--db", dbPath, "migrate"}, args...))
		require.NoError(t, root.Execute())
		return strings.TrimSpace(out.String())
	}

	assert.Equal(t, "version 0", exec("version"))
	assert.Equal(t, "version 2", exec("up"))
	assert.Equal(t, "version 1", exec("down"))
	assert.Equal(t, "version 2", exec("force", "2"))
}
