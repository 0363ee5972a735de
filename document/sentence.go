// Package document holds the annotated sentence model consumed by the
// relation classification pipeline: tokenized sentences, labeled entity
// spans, directed relations between spans, and named sentence embeddings.
package document

import (
	"fmt"
	"strings"
)

// Token is a single token of a sentence, positioned by its index.
type Token struct {
	Text  string
	Index int
}

// Label is a value attached to a span or relation under a label type.
type Label struct {
	Value string
	Score float32
}

// Sentence is an ordered token sequence with span and relation annotations.
// Spans are deduplicated by token range: annotating the same range under two
// label types yields one span carrying two labels. Each span gets a stable,
// sentence-scoped identifier at annotation time, so identity comparisons never
// rely on pointer equality.
type Sentence struct {
	tokens     []Token
	spansByPos map[[2]int]*Span
	spans      map[string][]*Span
	relations  map[string][]*Relation
	embeddings map[string][]float32
	nextSpanID int
}

// NewSentence creates a sentence from pre-tokenized text.
func NewSentence(tokens []string) *Sentence {
	s := &Sentence{
		tokens:     make([]Token, len(tokens)),
		spansByPos: map[[2]int]*Span{},
		spans:      map[string][]*Span{},
		relations:  map[string][]*Relation{},
		embeddings: map[string][]float32{},
	}
	for i, text := range tokens {
		s.tokens[i] = Token{Text: text, Index: i}
	}
	return s
}

// Tokens returns the sentence tokens in order.
func (s *Sentence) Tokens() []Token {
	return s.tokens
}

// TokenTexts returns the token strings in order.
func (s *Sentence) TokenTexts() []string {
	texts := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		texts[i] = t.Text
	}
	return texts
}

// Text joins the tokens with single spaces. Whitespace of the original
// untokenized text is not reconstructed.
func (s *Sentence) Text() string {
	return strings.Join(s.TokenTexts(), " ")
}

func (s *Sentence) Len() int {
	return len(s.tokens)
}

// AnnotateSpan labels the token range [start, end) under labelType. The same
// range annotated twice resolves to a single span; a span accepts at most one
// label per label type.
func (s *Sentence) AnnotateSpan(start, end int, labelType, value string) (*Span, error) {
	if start < 0 || end > len(s.tokens) || start >= end {
		return nil, fmt.Errorf("span [%d:%d) out of range for sentence with %d tokens", start, end, len(s.tokens))
	}
	if labelType == "" {
		return nil, fmt.Errorf("span label type cannot be empty")
	}
	span, ok := s.spansByPos[[2]int{start, end}]
	if !ok {
		span = &Span{
			id:       s.nextSpanID,
			sentence: s,
			start:    start,
			end:      end,
			labels:   map[string]Label{},
		}
		s.nextSpanID++
		s.spansByPos[[2]int{start, end}] = span
	}
	if existing, labeled := span.labels[labelType]; labeled {
		return nil, fmt.Errorf("span [%d:%d) already carries label %q for type %q", start, end, existing.Value, labelType)
	}
	span.labels[labelType] = Label{Value: value, Score: 1.0}
	s.spans[labelType] = append(s.spans[labelType], span)
	return span, nil
}

// Spans returns the spans annotated under labelType, in annotation order.
func (s *Sentence) Spans(labelType string) []*Span {
	return s.spans[labelType]
}

// AnnotateRelation adds a directed gold relation from head to tail under
// labelType. Both spans must belong to this sentence and a span cannot relate
// to itself.
func (s *Sentence) AnnotateRelation(head, tail *Span, labelType, value string) (*Relation, error) {
	if head.sentence != s || tail.sentence != s {
		return nil, fmt.Errorf("relation spans must belong to the annotated sentence")
	}
	if head.id == tail.id {
		return nil, fmt.Errorf("self-referencing relations are not supported")
	}
	relation := &Relation{
		head:   head,
		tail:   tail,
		labels: map[string]Label{labelType: {Value: value, Score: 1.0}},
	}
	s.relations[labelType] = append(s.relations[labelType], relation)
	return relation, nil
}

// Relations returns the gold relations annotated under labelType.
func (s *Sentence) Relations(labelType string) []*Relation {
	return s.relations[labelType]
}

// SetEmbedding stores a named fixed-length vector on the sentence.
func (s *Sentence) SetEmbedding(name string, vector []float32) {
	s.embeddings[name] = vector
}

// Embedding concatenates the stored vectors for the given names, in order.
// Missing names contribute nothing.
func (s *Sentence) Embedding(names ...string) []float32 {
	var out []float32
	for _, name := range names {
		out = append(out, s.embeddings[name]...)
	}
	return out
}

// Span is a contiguous token range of a sentence carrying one label per
// label type.
type Span struct {
	id       int
	sentence *Sentence
	start    int
	end      int
	labels   map[string]Label
}

// ID is the stable, sentence-scoped span identifier assigned at annotation
// time.
func (sp *Span) ID() int {
	return sp.id
}

func (sp *Span) Sentence() *Sentence {
	return sp.sentence
}

// Start is the index of the first token of the span.
func (sp *Span) Start() int {
	return sp.start
}

// End is the index one past the last token of the span.
func (sp *Span) End() int {
	return sp.end
}

func (sp *Span) Text() string {
	texts := make([]string, 0, sp.end-sp.start)
	for _, t := range sp.sentence.tokens[sp.start:sp.end] {
		texts = append(texts, t.Text)
	}
	return strings.Join(texts, " ")
}

// Label returns the span's label for labelType, if any.
func (sp *Span) Label(labelType string) (Label, bool) {
	label, ok := sp.labels[labelType]
	return label, ok
}

// Contains reports whether the token index falls inside the span.
func (sp *Span) Contains(tokenIndex int) bool {
	return tokenIndex >= sp.start && tokenIndex < sp.end
}
