// Package document materializes a session's accepted operations into a
// document snapshot.
package document

import (
	"labelroom/internal/collab/operation"
)

// State is an immutable snapshot. Apply never mutates its input: annotation
// entries that change are replaced with fresh maps.
type State struct {
	Text        string                    `json:"text"`
	Annotations map[string]map[string]any `json:"annotations"`
}

func New() State {
	return State{Annotations: make(map[string]map[string]any)}
}

// Apply returns the state after op. It never fails; out-of-range positions
// are clamped to the buffer.
func Apply(st State, op operation.Operation) State {
	switch op.Kind {
	case operation.KindAnnotationCreate:
		next := st.withAnnotations()
		next.Annotations[op.AnnotationID()] = copyMap(op.Attributes)
		return next

	case operation.KindAnnotationUpdate:
		id := op.AnnotationID()
		cur, ok := st.Annotations[id]
		if !ok {
			// Deleted concurrently.
			return st
		}
		merged := copyMap(cur)
		for k, v := range op.Attributes {
			merged[k] = v
		}
		next := st.withAnnotations()
		next.Annotations[id] = merged
		return next

	case operation.KindAnnotationDelete:
		id := op.AnnotationID()
		if _, ok := st.Annotations[id]; !ok {
			return st
		}
		next := st.withAnnotations()
		delete(next.Annotations, id)
		return next

	case operation.KindInsert:
		text := []rune(st.Text)
		pos := clamp(op.Position, 0, len(text))
		out := make([]rune, 0, len(text)+op.ContentLen())
		out = append(out, text[:pos]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, text[pos:]...)
		next := st
		next.Text = string(out)
		return next

	case operation.KindDelete:
		text := []rune(st.Text)
		start := clamp(op.Position, 0, len(text))
		end := clamp(op.Position+op.Length, start, len(text))
		if start == end {
			return st
		}
		out := make([]rune, 0, len(text)-(end-start))
		out = append(out, text[:start]...)
		out = append(out, text[end:]...)
		next := st
		next.Text = string(out)
		return next

	default:
		// retain, cursor_move, selection_change touch only the author's user record.
		return st
	}
}

// Replay folds ops over an empty document.
func Replay(ops []operation.Operation) State {
	st := New()
	for _, op := range ops {
		st = Apply(st, op)
	}
	return st
}

// withAnnotations returns a copy whose top-level annotation map can be
// written without affecting st. Entry maps are shared until replaced.
func (st State) withAnnotations() State {
	next := State{Text: st.Text, Annotations: make(map[string]map[string]any, len(st.Annotations)+1)}
	for k, v := range st.Annotations {
		next.Annotations[k] = v
	}
	return next
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
