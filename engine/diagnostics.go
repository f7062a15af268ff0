package engine

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/tsawler/warninglights/errdefs"
)

// Diagnostic explains what a warning light means for the driver.
type Diagnostic struct {
	Name        string   `json:"name"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	Causes      []string `json:"causes,omitempty"`
	Action      string   `json:"action"`
}

// Diagnostics maps class names to their knowledge-base entry.
type Diagnostics map[string]Diagnostic

// ReadDiagnostics reads a JSON object keyed by class name. Keys that match no class are kept;
// they are simply never attached.
func ReadDiagnostics(path string) (Diagnostics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configf("diagnostics file", path, "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var kb Diagnostics
	if err := dec.Decode(&kb); err != nil {
		return nil, errdefs.Configf("diagnostics file", path, "invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, errdefs.Configf("diagnostics file", path, "trailing data after the JSON object")
	}
	if kb == nil {
		return nil, errdefs.Configf("diagnostics file", path, "expected a JSON object keyed by class name")
	}
	for class := range kb {
		if class == "" {
			return nil, errdefs.Configf("diagnostics file", path, "empty class name")
		}
	}
	return kb, nil
}

// Annotate attaches the entry for each prediction's class, leaving unknown classes bare.
func (d Diagnostics) Annotate(preds []Prediction) {
	for i := range preds {
		if entry, ok := d[preds[i].ClassName]; ok {
			preds[i].Diagnostic = &entry
		}
	}
}
