package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/errdefs"
)

const batteryKB = `{
  "battery": {
    "name": "Battery / Charging System Warning",
    "severity": "High",
    "description": "The charging system is not keeping the battery charged.",
    "causes": ["Failed alternator", "Broken drive belt"],
    "action": "Turn off accessories and drive to a service station."
  }
}`

func writeKB(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kb.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadDiagnostics(t *testing.T) {
	kb, err := ReadDiagnostics(writeKB(t, batteryKB))
	require.NoError(t, err)
	require.Contains(t, kb, "battery")
	assert.Equal(t, "High", kb["battery"].Severity)
	assert.Equal(t, []string{"Failed alternator", "Broken drive belt"}, kb["battery"].Causes)

	preds := []Prediction{
		{ClassName: "battery", Index: 1, Confidence: 80},
		{ClassName: "abs", Index: 0, Confidence: 20},
	}
	kb.Annotate(preds)
	require.NotNil(t, preds[0].Diagnostic)
	assert.Equal(t, "Battery / Charging System Warning", preds[0].Diagnostic.Name)
	assert.Nil(t, preds[1].Diagnostic)

	data, err := json.Marshal(preds)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"High"`)
	assert.Equal(t, 1, strings.Count(string(data), `"diagnostic"`))

	var none Diagnostics
	none.Annotate(preds[1:])
	assert.Nil(t, preds[1].Diagnostic)
}

func TestReadDiagnosticsRejectsMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"truncated":     `{"battery": {"name": "Battery"`,
		"list":          `[{"name": "Battery"}]`,
		"null":          `null`,
		"unknown field": `{"battery": {"name": "Battery", "colour": "red"}}`,
		"wrong type":    `{"battery": {"causes": "alternator"}}`,
		"empty class":   `{"": {"name": "Battery"}}`,
		"trailing":      `{"battery": {}} {"abs": {}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadDiagnostics(writeKB(t, body))
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
	_, err := ReadDiagnostics(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
