// Package transform reconciles concurrent operations.
//
// Concurrency is approximated: an incoming operation is compared against the
// last Window accepted operations from other actors whose timestamps fall
// within Band of its own. This is a recency heuristic, not a causal proof, and
// it does not guarantee convergence across arbitrary partitions.
package transform

import (
	"time"

	"labelroom/internal/collab/operation"
)

const (
	DefaultWindow = 10
	DefaultBand   = 5 * time.Second
)

// Transform reconciles two concurrent operations into (a', b'). A nil result
// means that side is superseded and must not be applied.
//
// Tie-break policy: when two annotation operations on the same entity carry
// equal timestamps, a is treated as the earlier one and is cancelled. Equal
// insert positions treat a as occurring first.
//
// Overlapping deletes merge into one delete over the union. The result keeps
// a's author but takes b's id when b is earlier, so one id can appear in a
// history under two actors. Callers that deduplicate by id must also remember
// the id each operation was submitted with.
func Transform(a, b *operation.Operation) (*operation.Operation, *operation.Operation) {
	if a == nil || b == nil {
		return a, b
	}

	switch {
	case a.Kind.IsAnnotation() && b.Kind.IsAnnotation():
		return transformAnnotations(a, b)
	case a.Kind == operation.KindInsert && b.Kind == operation.KindInsert:
		return transformInserts(a, b)
	case a.Kind == operation.KindDelete && b.Kind == operation.KindDelete:
		return transformDeletes(a, b)
	case a.Kind == operation.KindInsert && b.Kind == operation.KindDelete:
		return transformInsertDelete(a, b)
	case a.Kind == operation.KindDelete && b.Kind == operation.KindInsert:
		return transformDeleteInsert(a, b)
	default:
		// Presence events and retains never conflict.
		return a, b
	}
}

func transformAnnotations(a, b *operation.Operation) (*operation.Operation, *operation.Operation) {
	if a.AnnotationID() != b.AnnotationID() {
		return a, b
	}
	if b.Timestamp.Before(a.Timestamp) {
		return a, nil
	}
	return nil, b
}

func transformInserts(a, b *operation.Operation) (*operation.Operation, *operation.Operation) {
	if a.Position <= b.Position {
		bp := b.WithPosition(b.Position + a.ContentLen())
		return a, &bp
	}
	ap := a.WithPosition(a.Position + b.ContentLen())
	return &ap, b
}

func transformDeletes(a, b *operation.Operation) (*operation.Operation, *operation.Operation) {
	switch {
	case a.End() <= b.Position:
		bp := b.WithPosition(b.Position - a.Length)
		return a, &bp
	case b.End() <= a.Position:
		ap := a.WithPosition(a.Position - b.Length)
		return &ap, b
	}

	// Overlapping ranges collapse into one delete over their union, carrying
	// the id of the earlier operation and the smaller timestamp. The author
	// stays a's.
	start := min(a.Position, b.Position)
	end := max(a.End(), b.End())
	merged := a.WithRange(start, end-start).WithTimestamp(minTime(a.Timestamp, b.Timestamp))
	if b.Timestamp.Before(a.Timestamp) {
		merged.ID = b.ID
	}
	return &merged, nil
}

func transformInsertDelete(ins, del *operation.Operation) (*operation.Operation, *operation.Operation) {
	switch {
	case ins.Position <= del.Position:
		dp := del.WithPosition(del.Position + ins.ContentLen())
		return ins, &dp
	case ins.Position >= del.End():
		ip := ins.WithPosition(ins.Position - del.Length)
		return &ip, del
	default:
		ip := ins.WithPosition(del.Position)
		return &ip, del
	}
}

func transformDeleteInsert(del, ins *operation.Operation) (*operation.Operation, *operation.Operation) {
	switch {
	case ins.Position <= del.Position:
		dp := del.WithPosition(del.Position + ins.ContentLen())
		return &dp, ins
	case ins.Position >= del.End():
		ip := ins.WithPosition(ins.Position - del.Length)
		return del, &ip
	default:
		ip := ins.WithPosition(del.Position)
		return del, &ip
	}
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// Engine applies Transform against a session's trailing history.
type Engine struct {
	Window int
	Band   time.Duration
}

func NewEngine(window int, band time.Duration) Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if band <= 0 {
		band = DefaultBand
	}
	return Engine{Window: window, Band: band}
}

// Concurrent reports whether prior is treated as concurrent with op.
func (e Engine) Concurrent(op, prior operation.Operation) bool {
	if op.Actor == prior.Actor {
		return false
	}
	d := op.Timestamp.Sub(prior.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= e.Band
}

// Reconcile transforms op against the last Window entries of history (oldest
// first), newest to oldest. It returns false as soon as op is cancelled.
func (e Engine) Reconcile(op operation.Operation, history []operation.Operation) (operation.Operation, bool) {
	from := len(history) - e.Window
	if from < 0 {
		from = 0
	}
	cur := &op
	for i := len(history) - 1; i >= from; i-- {
		prior := history[i]
		if !e.Concurrent(*cur, prior) {
			continue
		}
		cur, _ = Transform(cur, &prior)
		if cur == nil {
			return operation.Operation{}, false
		}
	}
	return *cur, true
}
