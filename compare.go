package compliance

// DifferenceReason classifies how two captures diverge at one index.
type DifferenceReason string

// Difference is one position at which the actual capture diverges from the expected one.
// Expected is nil for an extra message and Actual is nil for a missing one.
type Difference struct {
	Index    int                `json:"index"`
	Reason   DifferenceReason   `json:"reason"`
	Expected *NormalizedMessage `json:"expected"`
	Actual   *NormalizedMessage `json:"actual"`
}

// ComparisonResult is the outcome of Compare.
type ComparisonResult struct {
	Match       bool         `json:"match"`
	Differences []Difference `json:"differences,omitempty"`
}

const (
	// MissingMessage means the expected capture has a message the actual capture lacks.
	MissingMessage DifferenceReason = "MissingMessage"
	// ExtraMessage means the actual capture has a message the expected capture lacks.
	ExtraMessage DifferenceReason = "ExtraMessage"
	// ContentMismatch means both captures have a message at the index but they differ.
	ContentMismatch DifferenceReason = "ContentMismatch"
)

// Compare matches actual against expected position by position. No alignment is attempted: a
// single inserted or dropped message shifts every later index into a mismatch, and every
// diverging index is reported in ascending order.
func Compare(expected, actual []NormalizedMessage) ComparisonResult {
	if equalMessages(expected, actual) {
		return ComparisonResult{Match: true}
	}

	var diffs []Difference
	for i := range max(len(expected), len(actual)) {
		switch {
		case i >= len(expected):
			diffs = append(diffs, Difference{Index: i, Reason: ExtraMessage, Actual: &actual[i]})
		case i >= len(actual):
			diffs = append(diffs, Difference{Index: i, Reason: MissingMessage, Expected: &expected[i]})
		case !expected[i].Equal(actual[i]):
			diffs = append(diffs, Difference{Index: i, Reason: ContentMismatch, Expected: &expected[i], Actual: &actual[i]})
		}
	}
	return ComparisonResult{Match: false, Differences: diffs}
}

// CompareCaptures normalizes both captures with n, or the default Normalizer when n is nil, and
// compares them.
func CompareCaptures(expected, actual Capture, n *Normalizer) ComparisonResult {
	if n == nil {
		n = defaultNormalizer
	}
	return Compare(n.Normalize(expected.Messages), n.Normalize(actual.Messages))
}

func equalMessages(a, b []NormalizedMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
