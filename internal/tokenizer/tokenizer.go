// Package tokenizer implements the BPE tokenizer and the RoBERTa pair
// encoding the encoder consumes.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/roberta_ists/internal/errs"
)

// Options contains configuration options for the tokenizer
type Options struct {
	// Special tokens
	BosToken string
	EosToken string
	PadToken string
	UnkToken string

	// SpaceMarker prefixes every word that follows a space.
	SpaceMarker string

	// ModelMaxLength bounds an encoded pair, special tokens included.
	ModelMaxLength int
	LowerCase      bool
}

// NewDefaultOptions returns the RoBERTa conventions.
func NewDefaultOptions() *Options {
	return &Options{
		BosToken:       "<s>",
		EosToken:       "</s>",
		PadToken:       "<pad>",
		UnkToken:       "<unk>",
		SpaceMarker:    "Ġ",
		ModelMaxLength: 512,
		LowerCase:      false,
	}
}

// Tokenizer is a byte-pair encoder over a fixed vocabulary and ranked merges.
type Tokenizer struct {
	Vocabulary    map[string]int
	IdToToken     map[int]string
	Merges        []string
	SpecialTokens map[string]int

	mergeRanks map[string]int
	opts       Options
}

// New creates a tokenizer. Special tokens missing from vocab are appended
// after the highest existing id. Each merge is "left right".
func New(vocab map[string]int, merges []string, options *Options) (*Tokenizer, error) {
	if vocab == nil {
		return nil, fmt.Errorf("vocabulary cannot be nil")
	}
	if options == nil {
		options = NewDefaultOptions()
	}
	if options.ModelMaxLength < 6 {
		return nil, fmt.Errorf("%w: model max length %d leaves no room for text", errs.ErrConfig, options.ModelMaxLength)
	}

	vocabulary := make(map[string]int, len(vocab)+4)
	idToToken := make(map[int]string, len(vocab)+4)
	nextID := 0
	for token, id := range vocab {
		if prev, dup := idToToken[id]; dup {
			return nil, fmt.Errorf("tokens %q and %q share id %d", prev, token, id)
		}
		vocabulary[token] = id
		idToToken[id] = token
		if id >= nextID {
			nextID = id + 1
		}
	}

	specialTokens := make(map[string]int, 4)
	for _, token := range []string{options.BosToken, options.PadToken, options.EosToken, options.UnkToken} {
		if id, exists := vocabulary[token]; exists {
			specialTokens[token] = id
			continue
		}
		vocabulary[token] = nextID
		idToToken[nextID] = token
		specialTokens[token] = nextID
		nextID++
	}

	ranks := make(map[string]int, len(merges))
	for i, merge := range merges {
		if len(strings.Fields(merge)) != 2 {
			return nil, fmt.Errorf("merge %d %q must have two symbols", i, merge)
		}
		if _, exists := ranks[merge]; !exists {
			ranks[merge] = i
		}
	}

	return &Tokenizer{
		Vocabulary:    vocabulary,
		IdToToken:     idToToken,
		Merges:        merges,
		SpecialTokens: specialTokens,
		mergeRanks:    ranks,
		opts:          *options,
	}, nil
}

// Load reads a vocab.json token→id map and a merges.txt file.
func Load(vocabPath, mergesPath string, options *Options) (*Tokenizer, error) {
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read vocabulary: %v", errs.ErrLoad, err)
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("%w: decode vocabulary %s: %v", errs.ErrLoad, vocabPath, err)
	}

	file, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open merges: %v", errs.ErrLoad, err)
	}
	defer file.Close()

	var merges []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read merges %s: %v", errs.ErrLoad, mergesPath, err)
	}

	tok, err := New(vocab, merges, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLoad, err)
	}
	return tok, nil
}

// Save writes the vocabulary and merges in the format Load reads.
func (t *Tokenizer) Save(vocabPath, mergesPath string) error {
	raw, err := json.MarshalIndent(t.Vocabulary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vocabulary: %w", err)
	}
	if err := os.WriteFile(vocabPath, raw, 0o644); err != nil {
		return fmt.Errorf("write vocabulary: %w", err)
	}
	var b strings.Builder
	b.WriteString("#version: 0.2\n")
	for _, merge := range t.Merges {
		b.WriteString(merge)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(mergesPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write merges: %w", err)
	}
	return nil
}

// Normalize collapses whitespace and applies lowercasing when configured.
func (t *Tokenizer) Normalize(text string) string {
	if t.opts.LowerCase {
		text = strings.ToLower(text)
	}
	return strings.Join(strings.Fields(text), " ")
}

// Tokenize splits text into BPE symbols.
func (t *Tokenizer) Tokenize(text string) ([]string, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", errs.ErrEncoding)
	}
	words := t.words(text)
	tokens := make([]string, 0, len(words)*2)
	for _, word := range words {
		tokens = append(tokens, t.bpe(word)...)
	}
	return tokens, nil
}

func (t *Tokenizer) words(text string) []string {
	words := strings.Fields(t.Normalize(text))
	for i := 1; i < len(words); i++ {
		words[i] = t.opts.SpaceMarker + words[i]
	}
	return words
}

func (t *Tokenizer) bpe(word string) []string {
	symbols := splitRunes(word, t.opts.SpaceMarker)
	for len(symbols) > 1 {
		best, bestRank := -1, -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.mergeRanks[symbols[i]+" "+symbols[i+1]]; ok && (bestRank == -1 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best == -1 {
			break
		}
		symbols = mergePair(symbols, symbols[best], symbols[best+1])
	}
	return symbols
}

// splitRunes breaks a word into single characters, keeping a leading space
// marker attached to the first one.
func splitRunes(word, marker string) []string {
	prefix := ""
	if marker != "" && strings.HasPrefix(word, marker) && len(word) > len(marker) {
		prefix, word = marker, word[len(marker):]
	}
	symbols := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if len(symbols) > 0 {
		symbols[0] = prefix + symbols[0]
	}
	return symbols
}

func mergePair(symbols []string, left, right string) []string {
	merged := make([]string, 0, len(symbols))
	for i := 0; i < len(symbols); i++ {
		if i < len(symbols)-1 && symbols[i] == left && symbols[i+1] == right {
			merged = append(merged, left+right)
			i++
			continue
		}
		merged = append(merged, symbols[i])
	}
	return merged
}

// Encode converts text to ids without special tokens.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	tokens, err := t.Tokenize(text)
	if err != nil {
		return nil, err
	}
	unk := t.SpecialTokens[t.opts.UnkToken]
	ids := make([]int, len(tokens))
	for i, token := range tokens {
		id, ok := t.Vocabulary[token]
		if !ok {
			id = unk
		}
		ids[i] = id
	}
	return ids, nil
}

// EncodePair joint-encodes two texts as "<s> A </s></s> B </s>". When the
// pair exceeds ModelMaxLength the longer side is truncated first.
func (t *Tokenizer) EncodePair(a, b string) ([]int, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return nil, fmt.Errorf("%w: both texts of a pair must be non-empty", errs.ErrEncoding)
	}
	first, err := t.Encode(a)
	if err != nil {
		return nil, fmt.Errorf("first text: %w", err)
	}
	second, err := t.Encode(b)
	if err != nil {
		return nil, fmt.Errorf("second text: %w", err)
	}

	budget := t.opts.ModelMaxLength - 4
	for len(first)+len(second) > budget {
		if len(first) >= len(second) {
			first = first[:len(first)-1]
		} else {
			second = second[:len(second)-1]
		}
	}

	bos := t.SpecialTokens[t.opts.BosToken]
	eos := t.SpecialTokens[t.opts.EosToken]
	ids := make([]int, 0, len(first)+len(second)+4)
	ids = append(ids, bos)
	ids = append(ids, first...)
	ids = append(ids, eos, eos)
	ids = append(ids, second...)
	ids = append(ids, eos)
	return ids, nil
}

// Decode converts ids back to text, skipping special tokens.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		token, ok := t.IdToToken[id]
		if !ok {
			return "", fmt.Errorf("token ID not found in vocabulary: %d", id)
		}
		if _, special := t.SpecialTokens[token]; special {
			continue
		}
		b.WriteString(token)
	}
	text := strings.ReplaceAll(b.String(), t.opts.SpaceMarker, " ")
	return strings.Join(strings.Fields(text), " "), nil
}

// PadID returns the id of the padding token.
func (t *Tokenizer) PadID() int {
	return t.SpecialTokens[t.opts.PadToken]
}

// VocabSize returns one past the largest token id.
func (t *Tokenizer) VocabSize() int {
	size := 0
	for id := range t.IdToToken {
		if id >= size {
			size = id + 1
		}
	}
	return size
}

// MaxLength returns the longest pair encoding EncodePair produces.
func (t *Tokenizer) MaxLength() int {
	return t.opts.ModelMaxLength
}

// Train learns merges from texts until the vocabulary reaches vocabSize or no
// pair occurs more than once.
func Train(texts []string, vocabSize int, options *Options) (*Tokenizer, error) {
	if options == nil {
		options = NewDefaultOptions()
	}
	probe := &Tokenizer{opts: *options}

	counts := make(map[string]int)
	for _, text := range texts {
		if !utf8.ValidString(text) {
			return nil, fmt.Errorf("%w: training text is not valid UTF-8", errs.ErrEncoding)
		}
		for _, word := range probe.words(text) {
			counts[word]++
		}
	}
	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Strings(words)

	vocab := make(map[string]int)
	for _, token := range []string{options.BosToken, options.PadToken, options.EosToken, options.UnkToken} {
		vocab[token] = len(vocab)
	}
	splits := make(map[string][]string, len(words))
	var alphabet []string
	for _, word := range words {
		splits[word] = splitRunes(word, options.SpaceMarker)
		alphabet = append(alphabet, splits[word]...)
	}
	sort.Strings(alphabet)
	for _, symbol := range alphabet {
		if _, exists := vocab[symbol]; !exists {
			vocab[symbol] = len(vocab)
		}
	}

	var merges []string
	for len(vocab) < vocabSize {
		pairs := make(map[string]int)
		for _, word := range words {
			symbols := splits[word]
			for i := 0; i < len(symbols)-1; i++ {
				pairs[symbols[i]+" "+symbols[i+1]] += counts[word]
			}
		}
		best, bestCount := "", 1
		for pair, count := range pairs {
			if count > bestCount || (count == bestCount && best != "" && pair < best) {
				best, bestCount = pair, count
			}
		}
		if best == "" {
			break
		}
		parts := strings.Fields(best)
		merges = append(merges, best)
		if _, exists := vocab[parts[0]+parts[1]]; !exists {
			vocab[parts[0]+parts[1]] = len(vocab)
		}
		for _, word := range words {
			splits[word] = mergePair(splits[word], parts[0], parts[1])
		}
	}

	return New(vocab, merges, options)
}
