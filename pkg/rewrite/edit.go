package rewrite

import (
	"sort"
	"strings"
)

// edit is one span replacement against the original source. Inserts have
// start == end. The ord field breaks ties between edits at the same position:
// opening inserts carry increasing ords so an outer wrapper lands left of an
// inner one, closing inserts carry decreasing ords so an inner terminator
// lands left of an outer one.
type edit struct {
	start int
	end   int
	text  string
	ord   int
}

type editList struct {
	edits []edit
	seq   int
}

func (l *editList) replace(start, end int, text string) {
	l.seq++
	l.edits = append(l.edits, edit{start: start, end: end, text: text, ord: l.seq})
}

func (l *editList) insertOpen(at int, text string) {
	l.seq++
	l.edits = append(l.edits, edit{start: at, end: at, text: text, ord: l.seq})
}

func (l *editList) insertClose(at int, text string) {
	l.seq++
	l.edits = append(l.edits, edit{start: at, end: at, text: text, ord: -l.seq})
}

// apply plays the edits back-to-front so earlier offsets stay valid.
// Replacement spans never overlap; only inserts share positions.
func (l *editList) apply(source string) string {
	edits := make([]edit, len(l.edits))
	copy(edits, l.edits)
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		return edits[i].ord < edits[j].ord
	})

	var b strings.Builder
	out := source
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		b.Reset()
		b.WriteString(out[:e.start])
		b.WriteString(e.text)
		b.WriteString(out[e.end:])
		out = b.String()
	}
	return out
}
