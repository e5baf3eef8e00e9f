package server

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffStat counts lines added and deleted between two versions of a
// file. Line-mode diffing keeps the counts stable for large files.
func diffStat(before, after string) (added, deleted int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && len(d.Text) > 0 {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return added, deleted
}
