package dataset

import (
	"fmt"
	"sort"

	"github.com/roberta_ists/internal/errs"
)

// LabelEncoder maps the distinct explanation labels to codes 0..K-1 in
// lexicographic order. It is fitted once and never refitted.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

// FitLabels builds an encoder over every distinct label.
func FitLabels(labels []string) (*LabelEncoder, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no labels to fit", errs.ErrLoad)
	}
	seen := make(map[string]struct{}, len(labels))
	classes := make([]string, 0)
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	sort.Strings(classes)
	index := make(map[string]int, len(classes))
	for code, label := range classes {
		index[label] = code
	}
	return &LabelEncoder{classes: classes, index: index}, nil
}

// Encode returns the code of label.
func (le *LabelEncoder) Encode(label string) (int, error) {
	code, ok := le.index[label]
	if !ok {
		return 0, fmt.Errorf("%w: unknown label %q", errs.ErrEncoding, label)
	}
	return code, nil
}

// Transform encodes every label.
func (le *LabelEncoder) Transform(labels []string) ([]int, error) {
	codes := make([]int, len(labels))
	for i, label := range labels {
		code, err := le.Encode(label)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// Decode returns the label of code.
func (le *LabelEncoder) Decode(code int) (string, error) {
	if code < 0 || code >= len(le.classes) {
		return "", fmt.Errorf("%w: label code %d not in [0, %d)", errs.ErrIndex, code, len(le.classes))
	}
	return le.classes[code], nil
}

// Classes returns the labels in code order.
func (le *LabelEncoder) Classes() []string {
	out := make([]string, len(le.classes))
	copy(out, le.classes)
	return out
}

// Len returns the number of classes.
func (le *LabelEncoder) Len() int {
	return len(le.classes)
}
