package compliance

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// WriteReport renders r for a human reader: every difference in index order with the expected
// and actual messages, and for content mismatches a patch turning one into the other.
func WriteReport(w io.Writer, r ComparisonResult) error {
	var b strings.Builder
	if r.Match {
		b.WriteString("captures match\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "captures differ at %d position(s)\n", len(r.Differences))
	for _, d := range r.Differences {
		fmt.Fprintf(&b, "\n[%d] %s\n", d.Index, d.Reason)
		expected := indentJSON(d.Expected)
		actual := indentJSON(d.Actual)
		if d.Expected != nil {
			fmt.Fprintf(&b, "expected:\n%s\n", expected)
		}
		if d.Actual != nil {
			fmt.Fprintf(&b, "actual:\n%s\n", actual)
		}
		if d.Reason == ContentMismatch {
			fmt.Fprintf(&b, "patch:\n%s", Patch(expected, actual))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Patch returns a unified-style patch turning expected into actual.
func Patch(expected, actual string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(expected, actual, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.PatchToText(dmp.PatchMake(expected, diffs))
}

func indentJSON(m *NormalizedMessage) string {
	if m == nil {
		return "null"
	}
	data, err := json.MarshalIndent(m, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("  <%v>", err)
	}
	return "  " + string(data)
}
