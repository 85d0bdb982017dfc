// Package dataset loads text-pair similarity data and serves tokenized
// examples with their similarity and explanation targets.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/logutil"
)

// Column names of the input table. When the header does not name them the
// first four columns are used in this order.
var columns = [4]string{"chunk1", "chunk2", "similarity", "explanation"}

// PairEncoder joint-encodes two texts into token ids.
type PairEncoder interface {
	EncodePair(a, b string) ([]int, error)
}

// Example is one row of the input table.
type Example struct {
	Chunk1      string
	Chunk2      string
	Similarity  float64
	Explanation string
}

// Item is what Get returns for one row.
type Item struct {
	Tokens     []int
	Similarity float64
	Label      int
}

// Options controls loading.
type Options struct {
	// SkipInvalidRows drops rows whose text cannot be tokenized, with a
	// warning, instead of failing the load.
	SkipInvalidRows bool
	// Labels reuses an encoder fitted elsewhere, typically on the training
	// split, so codes mean the same thing across splits.
	Labels *LabelEncoder
}

// Dataset holds tokens and targets computed once at load time.
type Dataset struct {
	path       string
	examples   []Example
	tokens     [][]int
	similarity []float64
	labels     []int
	encoder    *LabelEncoder
}

// ReadExamples parses the table at path.
func ReadExamples(path string) ([]Example, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrLoad, path, err)
	}
	defer file.Close()
	return readExamples(file, path)
}

func readExamples(r io.Reader, name string) ([]Example, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrLoad, name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", errs.ErrLoad, name)
	}
	if len(records[0]) < len(columns) {
		return nil, fmt.Errorf("%w: %s has %d columns, need %d", errs.ErrLoad, name, len(records[0]), len(columns))
	}

	index, hasHeader := columnIndex(records[0])
	if hasHeader {
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no rows", errs.ErrLoad, name)
	}

	examples := make([]Example, 0, len(records))
	for i, record := range records {
		line := i + 1
		if hasHeader {
			line++
		}
		sim, err := strconv.ParseFloat(strings.TrimSpace(record[index[2]]), 64)
		if err != nil || math.IsNaN(sim) || math.IsInf(sim, 0) {
			return nil, fmt.Errorf("%w: %s line %d: similarity %q is not a finite number", errs.ErrLoad, name, line, record[index[2]])
		}
		label := strings.TrimSpace(record[index[3]])
		if label == "" {
			return nil, fmt.Errorf("%w: %s line %d: missing explanation label", errs.ErrLoad, name, line)
		}
		examples = append(examples, Example{
			Chunk1:      record[index[0]],
			Chunk2:      record[index[1]],
			Similarity:  sim,
			Explanation: label,
		})
	}
	return examples, nil
}

// columnIndex locates the four columns by header name. A first record whose
// similarity column parses as a number is data, not a header.
func columnIndex(first []string) ([4]int, bool) {
	positional := [4]int{0, 1, 2, 3}
	byName := make(map[string]int, len(first))
	for i, name := range first {
		byName[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var index [4]int
	named := true
	for i, name := range columns {
		pos, ok := byName[name]
		if !ok {
			named = false
			break
		}
		index[i] = pos
	}
	if named {
		return index, true
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(first[2]), 64); err == nil {
		return positional, false
	}
	return positional, true
}

// Load reads the table at path, fits the label encoder over the whole
// explanation column and tokenizes every pair.
func Load(path string, enc PairEncoder, opts *Options, logger *zap.Logger) (*Dataset, error) {
	logger = logutil.OrNop(logger)
	if enc == nil {
		return nil, fmt.Errorf("pair encoder is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	examples, err := ReadExamples(path)
	if err != nil {
		return nil, err
	}

	labels := opts.Labels
	if labels == nil {
		column := make([]string, len(examples))
		for i, ex := range examples {
			column[i] = ex.Explanation
		}
		if labels, err = FitLabels(column); err != nil {
			return nil, err
		}
	}

	d := &Dataset{path: path, encoder: labels}
	for i, ex := range examples {
		code, err := labels.Encode(ex.Explanation)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		tokens, err := enc.EncodePair(ex.Chunk1, ex.Chunk2)
		if err != nil {
			if opts.SkipInvalidRows && errors.Is(err, errs.ErrEncoding) {
				logger.Warn("skipping row that cannot be tokenized",
					zap.String("path", path), zap.Int("row", i), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		d.examples = append(d.examples, ex)
		d.tokens = append(d.tokens, tokens)
		d.similarity = append(d.similarity, ex.Similarity)
		d.labels = append(d.labels, code)
	}
	if len(d.examples) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable rows", errs.ErrLoad, path)
	}

	logger.Info("dataset loaded",
		zap.String("path", path),
		zap.Int("rows", len(d.examples)),
		zap.Int("skipped", len(examples)-len(d.examples)),
		zap.Int("classes", labels.Len()))
	return d, nil
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.tokens)
}

// Get returns the tokens and targets of row i. The token slice is shared
// with the dataset and must not be modified.
func (d *Dataset) Get(i int) (Item, error) {
	if i < 0 || i >= len(d.tokens) {
		return Item{}, fmt.Errorf("%w: %d not in [0, %d)", errs.ErrIndex, i, len(d.tokens))
	}
	return Item{Tokens: d.tokens[i], Similarity: d.similarity[i], Label: d.labels[i]}, nil
}

// Example returns the source row i.
func (d *Dataset) Example(i int) (Example, error) {
	if i < 0 || i >= len(d.examples) {
		return Example{}, fmt.Errorf("%w: %d not in [0, %d)", errs.ErrIndex, i, len(d.examples))
	}
	return d.examples[i], nil
}

// Labels returns the fitted label encoder.
func (d *Dataset) Labels() *LabelEncoder {
	return d.encoder
}

// NumClasses returns the size of the explanation label set.
func (d *Dataset) NumClasses() int {
	return d.encoder.Len()
}

// Path returns the file the dataset was loaded from.
func (d *Dataset) Path() string {
	return d.path
}
