package reconcile

import "github.com/sergi/go-diff/diffmatchpatch"

// DiffSegment is one run of a review diff.
type DiffSegment struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

const (
	DiffEqual  = "equal"
	DiffInsert = "insert"
	DiffDelete = "delete"
)

// Diff compares the original span with the version on display.
func Diff(change TrackedChange) []DiffSegment {
	if len(change.Versions) == 0 {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(change.OriginalText, change.Current(), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	out := make([]DiffSegment, 0, len(diffs))
	for _, d := range diffs {
		op := DiffEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = DiffInsert
		case diffmatchpatch.DiffDelete:
			op = DiffDelete
		}
		out = append(out, DiffSegment{Op: op, Text: d.Text})
	}
	return out
}
