// Package datasets loads relation classification corpora. The supported
// format is JSONL: one sentence per line with its tokens, entity annotations
// and gold relations.
package datasets

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/relmask/relmask/document"
	util "github.com/relmask/relmask/utils"
)

// EntityExample is one entity span annotation of a RelationExample. Start and
// End are token indices, End exclusive.
type EntityExample struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// RelationExampleRef is one gold relation of a RelationExample. Head and Tail
// index into the example's entity list.
type RelationExampleRef struct {
	Head  int    `json:"head"`
	Tail  int    `json:"tail"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// RelationExample is a single line of a relation corpus:
// {"tokens":["Larry","Page","founded","Google","."],
// "entities":[{"start":0,"end":2,"type":"ner","label":"PER"},{"start":3,"end":4,"type":"ner","label":"ORG"}],
// "relations":[{"head":1,"tail":0,"type":"relation","label":"founded_by"}]}
type RelationExample struct {
	Tokens    []string             `json:"tokens"`
	Entities  []EntityExample      `json:"entities"`
	Relations []RelationExampleRef `json:"relations"`
}

// Sentence converts the example into an annotated document sentence.
func (e *RelationExample) Sentence() (*document.Sentence, error) {
	sentence := document.NewSentence(e.Tokens)
	spans := make([]*document.Span, len(e.Entities))
	for i, entity := range e.Entities {
		span, err := sentence.AnnotateSpan(entity.Start, entity.End, entity.Type, entity.Label)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		spans[i] = span
	}
	for i, relation := range e.Relations {
		if relation.Head < 0 || relation.Head >= len(spans) || relation.Tail < 0 || relation.Tail >= len(spans) {
			return nil, fmt.Errorf("relation %d references entity outside of the example's %d entities", i, len(spans))
		}
		if _, err := sentence.AnnotateRelation(spans[relation.Head], spans[relation.Tail], relation.Type, relation.Label); err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
	}
	return sentence, nil
}

// RelationDataset streams batches of annotated sentences from a .jsonl
// relation corpus.
type RelationDataset struct {
	path       string
	batchSize  int
	sourceFile io.ReadCloser
	reader     *bufio.Reader
	batchN     int
}

// NewRelationDataset opens a .jsonl relation corpus for batched reading.
func NewRelationDataset(path string, batchSize int) (*RelationDataset, error) {
	if filepath.Ext(path) != ".jsonl" {
		return nil, fmt.Errorf("relation corpus must be a .jsonl file, got %s", path)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	d := &RelationDataset{path: path, batchSize: batchSize}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *RelationDataset) open() error {
	sourceReadCloser, err := util.OpenFile(d.path)
	if err != nil {
		return err
	}
	d.sourceFile = sourceReadCloser
	d.reader = bufio.NewReader(sourceReadCloser)
	return nil
}

// YieldRaw returns the next batch of raw examples. io.EOF signals the end of
// the corpus; a partial batch may accompany it.
func (d *RelationDataset) YieldRaw() ([]RelationExample, error) {
	examplesBatch := make([]RelationExample, 0, d.batchSize)
	for len(examplesBatch) < d.batchSize {
		lineBytes, readErr := util.ReadLine(d.reader)
		if readErr != nil {
			return examplesBatch, readErr
		}
		if len(lineBytes) == 0 {
			continue
		}
		var lineData RelationExample
		if err := jsoniter.Unmarshal(lineBytes, &lineData); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		examplesBatch = append(examplesBatch, lineData)
	}
	d.batchN++
	return examplesBatch, nil
}

// Next returns the next batch converted to annotated sentences. io.EOF
// signals the end of the corpus; a partial batch may accompany it.
func (d *RelationDataset) Next() ([]*document.Sentence, error) {
	examples, yieldErr := d.YieldRaw()
	if yieldErr != nil && yieldErr != io.EOF {
		return nil, yieldErr
	}
	sentences := make([]*document.Sentence, 0, len(examples))
	for i := range examples {
		sentence, err := examples[i].Sentence()
		if err != nil {
			return nil, err
		}
		sentences = append(sentences, sentence)
	}
	return sentences, yieldErr
}

// Reset reopens the corpus at the beginning (after an epoch is done).
func (d *RelationDataset) Reset() error {
	if err := d.sourceFile.Close(); err != nil {
		return err
	}
	d.batchN = 0
	return d.open()
}

// Batches returns the number of complete batches yielded since the last
// reset.
func (d *RelationDataset) Batches() int {
	return d.batchN
}

func (d *RelationDataset) Close() error {
	if d.sourceFile != nil {
		return d.sourceFile.Close()
	}
	return nil
}
