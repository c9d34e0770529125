package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"schema_version": 3}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"schema_version": float64(3)}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeNotFound, "stage 7 not found", []string{"stage_id=7"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "stage 7 not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeInvalid, "funnels invalid", map[string]string{"file": "a.yaml"}))
	assert.Contains(t, buf.String(), "Error [E004]: funnels invalid")
	assert.NotContains(t, buf.String(), "Details:", "details only in verbose mode")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(ErrCodeInvalid, "funnels invalid", map[string]string{"file": "a.yaml"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_Table(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	rows := [][]string{{"1", "welcome", "greet"}, {"12", "winback", "offer"}}
	require.NoError(t, formatter.Table([]string{"ID", "FUNNEL", "STAGE"}, rows, nil))
	assert.Equal(t, "ID  FUNNEL   STAGE\n1   welcome  greet\n12  winback  offer\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Table([]string{"ID"}, nil, nil))
	assert.Equal(t, "(none)\n", buf.String())

	buf.Reset()
	formatter.Format = "json"
	require.NoError(t, formatter.Table([]string{"ID"}, rows, []int{1, 12}))
	assert.JSONEq(t, `{"status":"ok","data":[1,12]}`, buf.String())
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	formatter.VerboseLog("loading %s", "funnels")
	assert.Empty(t, diag.String())

	formatter.Verbose = true
	formatter.VerboseLog("loading %s", "funnels")
	assert.Equal(t, "loading funnels\n", diag.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "open store", errors.New("locked"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	err := WrapExitError(ExitFailure, "validate", errors.New("bad delay"))
	assert.Equal(t, "validate: bad delay", err.Error())
	assert.Equal(t, "no funnels", NewExitError(ExitFailure, "no funnels").Error())
}
