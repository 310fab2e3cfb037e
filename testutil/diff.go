package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// JSONDiff renders the difference between two values as an ascii diff. The
// returned bool is false when both marshal to equal JSON.
func JSONDiff(expected, actual any) (string, bool, error) {
	left, err := json.Marshal(expected)
	if err != nil {
		return "", false, err
	}
	right, err := json.Marshal(actual)
	if err != nil {
		return "", false, err
	}
	diff, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", false, fmt.Errorf("compare: %w", err)
	}
	if !diff.Modified() {
		return "", false, nil
	}
	var leftObj map[string]interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", true, err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	out, err := f.Format(diff)
	return out, true, err
}
