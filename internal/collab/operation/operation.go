package operation

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert           Kind = "insert"
	KindDelete           Kind = "delete"
	KindRetain           Kind = "retain"
	KindAnnotationCreate Kind = "annotation_create"
	KindAnnotationUpdate Kind = "annotation_update"
	KindAnnotationDelete Kind = "annotation_delete"
	KindCursorMove       Kind = "cursor_move"
	KindSelectionChange  Kind = "selection_change"

	// AnnotationIDKey is the attribute that names the annotation an operation targets.
	AnnotationIDKey = "annotation_id"
)

// IsText reports whether the kind edits the linear text buffer.
func (k Kind) IsText() bool {
	return k == KindInsert || k == KindDelete || k == KindRetain
}

// IsAnnotation reports whether the kind targets an annotation entity.
func (k Kind) IsAnnotation() bool {
	return k == KindAnnotationCreate || k == KindAnnotationUpdate || k == KindAnnotationDelete
}

// IsPresence reports whether the kind only describes a user's cursor or selection.
func (k Kind) IsPresence() bool {
	return k == KindCursorMove || k == KindSelectionChange
}

func (k Kind) valid() bool {
	return k.IsText() || k.IsAnnotation() || k.IsPresence()
}

var ErrValidation = errors.New("invalid operation")

// ValidationError describes the first field that made an intent unusable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Operation is one accepted edit or metadata event. Values are never mutated
// after construction; the transform engine derives adjusted copies.
type Operation struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"type"`
	Actor      string         `json:"user_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Position   int            `json:"position"`
	Length     int            `json:"length,omitempty"`
	Content    string         `json:"content,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Selection  *Selection     `json:"selection,omitempty"`
}

// Selection is a half-open range in the text buffer.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Intent is the raw, client-supplied form of an operation. Pointer fields
// distinguish "absent" from zero so construction can enforce per-kind shape.
type Intent struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"type"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Position   *int           `json:"position,omitempty"`
	Length     *int           `json:"length,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Selection  *Selection     `json:"selection,omitempty"`
}

// New validates an intent and builds the operation authored by actor.
// A missing timestamp is stamped with now.
func New(in Intent, actor string, now time.Time) (Operation, error) {
	if in.ID == "" {
		return Operation{}, &ValidationError{Field: "id", Reason: "is required"}
	}
	if actor == "" {
		return Operation{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if !in.Kind.valid() {
		return Operation{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known kind", in.Kind)}
	}
	if in.Position != nil && *in.Position < 0 {
		return Operation{}, &ValidationError{Field: "position", Reason: "must be >= 0"}
	}
	if in.Length != nil && *in.Length < 0 {
		return Operation{}, &ValidationError{Field: "length", Reason: "must be >= 0"}
	}
	if in.Content != nil && in.Kind != KindInsert {
		return Operation{}, &ValidationError{Field: "content", Reason: "is only allowed on insert"}
	}

	switch in.Kind {
	case KindInsert:
		if in.Position == nil {
			return Operation{}, &ValidationError{Field: "position", Reason: "is required for insert"}
		}
		if in.Content == nil {
			return Operation{}, &ValidationError{Field: "content", Reason: "is required for insert"}
		}
	case KindDelete:
		if in.Position == nil {
			return Operation{}, &ValidationError{Field: "position", Reason: "is required for delete"}
		}
		if in.Length == nil {
			return Operation{}, &ValidationError{Field: "length", Reason: "is required for delete"}
		}
	case KindRetain:
		if in.Position == nil {
			return Operation{}, &ValidationError{Field: "position", Reason: "is required for retain"}
		}
	case KindAnnotationCreate, KindAnnotationUpdate, KindAnnotationDelete:
		id, _ := in.Attributes[AnnotationIDKey].(string)
		if id == "" {
			return Operation{}, &ValidationError{Field: "attributes." + AnnotationIDKey, Reason: "is required"}
		}
	case KindSelectionChange:
		if in.Selection != nil && (in.Selection.Start < 0 || in.Selection.End < in.Selection.Start) {
			return Operation{}, &ValidationError{Field: "selection", Reason: "must satisfy 0 <= start <= end"}
		}
	}

	op := Operation{
		ID:         in.ID,
		Kind:       in.Kind,
		Actor:      actor,
		Timestamp:  now,
		Attributes: copyAttributes(in.Attributes),
	}
	if in.Timestamp != nil {
		op.Timestamp = *in.Timestamp
	}
	if in.Position != nil {
		op.Position = *in.Position
	}
	if in.Length != nil {
		op.Length = *in.Length
	}
	if in.Content != nil {
		op.Content = *in.Content
	}
	if in.Selection != nil {
		sel := *in.Selection
		op.Selection = &sel
	}
	return op, nil
}

// AnnotationID returns the targeted annotation, or "" for non-annotation kinds.
func (op Operation) AnnotationID() string {
	if !op.Kind.IsAnnotation() {
		return ""
	}
	id, _ := op.Attributes[AnnotationIDKey].(string)
	return id
}

// ContentLen is the insert length in runes, the unit every text position uses.
func (op Operation) ContentLen() int {
	return utf8.RuneCountInString(op.Content)
}

// End is the exclusive end of a delete or retain range.
func (op Operation) End() int {
	return op.Position + op.Length
}

// Same compares operations by identity only.
func (op Operation) Same(other Operation) bool {
	return op.ID == other.ID
}

// WithPosition returns a copy moved to pos.
func (op Operation) WithPosition(pos int) Operation {
	op.Position = pos
	op.Attributes = copyAttributes(op.Attributes)
	return op
}

// WithRange returns a copy spanning [pos, pos+length).
func (op Operation) WithRange(pos, length int) Operation {
	op.Position = pos
	op.Length = length
	op.Attributes = copyAttributes(op.Attributes)
	return op
}

// WithTimestamp returns a copy stamped with ts.
func (op Operation) WithTimestamp(ts time.Time) Operation {
	op.Timestamp = ts
	op.Attributes = copyAttributes(op.Attributes)
	return op
}

func copyAttributes(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
