package document

import "fmt"

// Relation is a directed, labeled link from a head span to a tail span within
// one sentence. Relations appear in two roles: gold annotations stored on a
// sentence, and transient references attached to generated relation
// candidates. In both roles the head and tail point into the original
// sentence's spans.
type Relation struct {
	head   *Span
	tail   *Span
	labels map[string]Label
}

// NewRelation creates an unlabeled relation reference between two spans of
// the same sentence. It is not registered as an annotation.
func NewRelation(head, tail *Span) *Relation {
	return &Relation{head: head, tail: tail, labels: map[string]Label{}}
}

func (r *Relation) Head() *Span {
	return r.head
}

func (r *Relation) Tail() *Span {
	return r.tail
}

// UnlabeledIdentifier keys the relation by the stable identifiers of its head
// and tail spans. Two relations share an identifier exactly when they connect
// the same spans, independent of any label value.
func (r *Relation) UnlabeledIdentifier() string {
	return fmt.Sprintf("%d -> %d", r.head.id, r.tail.id)
}

// Label returns the relation's label for labelType, falling back to a label
// with the given default value when the relation carries none.
func (r *Relation) Label(labelType, defaultValue string) Label {
	if label, ok := r.labels[labelType]; ok {
		return label
	}
	return Label{Value: defaultValue, Score: 1.0}
}

// SetLabel attaches or replaces the relation's label for labelType.
func (r *Relation) SetLabel(labelType, value string, score float32) {
	r.labels[labelType] = Label{Value: value, Score: score}
}
