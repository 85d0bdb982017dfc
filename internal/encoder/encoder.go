// Package encoder provides the frozen pretrained text encoder shared by the
// dataset adapter and the prediction model. It is opened once per process and
// injected into both; none of its weights ever receive gradients.
package encoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/logutil"
	"github.com/roberta_ists/internal/tokenizer"
	"github.com/roberta_ists/pkg/autodiff"
)

// DefaultFeatureDim is the feature width of the large pretrained encoder.
const DefaultFeatureDim = 1024

var errClosed = errors.New("encoder is closed")

// Config locates the pretrained vocabulary and weights.
type Config struct {
	VocabPath    string
	MergesPath   string
	WeightsPath  string
	FeatureDim   int
	MaxPositions int
	CacheSize    int
	Seed         int64
}

// NewDefaultConfig returns settings matching the large pretrained encoder.
func NewDefaultConfig() Config {
	return Config{
		FeatureDim:   DefaultFeatureDim,
		MaxPositions: 514,
		CacheSize:    4096,
		Seed:         7,
	}
}

// Encoder joint-encodes text pairs and extracts per-token features.
type Encoder struct {
	tok *tokenizer.Tokenizer

	tokens     *autodiff.Tensor
	positions  *autodiff.Tensor
	gamma      *autodiff.Tensor
	beta       *autodiff.Tensor
	projection *autodiff.Tensor
	bias       *autodiff.Tensor

	cache  *lru.Cache[string, *autodiff.Tensor]
	closed atomic.Bool
	logger *zap.Logger
}

// Open loads the tokenizer and weights named by cfg. Without a weights path
// the encoder is initialized from cfg.Seed.
func Open(cfg Config, logger *zap.Logger) (*Encoder, error) {
	logger = logutil.OrNop(logger)
	if cfg.MaxPositions < 6 {
		return nil, fmt.Errorf("%w: max positions %d too small", errs.ErrConfig, cfg.MaxPositions)
	}
	opts := tokenizer.NewDefaultOptions()
	opts.ModelMaxLength = cfg.MaxPositions - 2
	tok, err := tokenizer.Load(cfg.VocabPath, cfg.MergesPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	var weights *Weights
	if cfg.WeightsPath != "" {
		weights, err = LoadWeights(cfg.WeightsPath)
	} else {
		logger.Warn("no encoder weights configured, using seeded initialization", zap.Int64("seed", cfg.Seed))
		weights, err = RandomWeights(tok.VocabSize(), cfg.MaxPositions, cfg.FeatureDim, cfg.Seed)
	}
	if err != nil {
		return nil, err
	}
	return New(tok, weights, cfg.CacheSize, logger)
}

// Bootstrap trains a tokenizer on texts and draws seeded weights for it, for
// corpora that ship without a pretrained vocabulary.
func Bootstrap(texts []string, vocabSize int, cfg Config, logger *zap.Logger) (*Encoder, *Weights, error) {
	if cfg.MaxPositions < 6 {
		return nil, nil, fmt.Errorf("%w: max positions %d too small", errs.ErrConfig, cfg.MaxPositions)
	}
	opts := tokenizer.NewDefaultOptions()
	opts.ModelMaxLength = cfg.MaxPositions - 2
	tok, err := tokenizer.Train(texts, vocabSize, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("train tokenizer: %w", err)
	}
	weights, err := RandomWeights(tok.VocabSize(), cfg.MaxPositions, cfg.FeatureDim, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	enc, err := New(tok, weights, cfg.CacheSize, logger)
	if err != nil {
		return nil, nil, err
	}
	return enc, weights, nil
}

// New assembles an encoder from an in-memory tokenizer and weights.
func New(tok *tokenizer.Tokenizer, weights *Weights, cacheSize int, logger *zap.Logger) (*Encoder, error) {
	logger = logutil.OrNop(logger)
	if tok == nil || weights == nil {
		return nil, fmt.Errorf("tokenizer and weights are required")
	}
	if err := weights.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrShape, err)
	}
	if rows, _ := weights.Tokens.Dims(); rows < tok.VocabSize() {
		return nil, fmt.Errorf("%w: %d token embeddings for vocabulary of %d", errs.ErrShape, rows, tok.VocabSize())
	}
	if rows, _ := weights.Positions.Dims(); rows < tok.MaxLength() {
		return nil, fmt.Errorf("%w: %d position embeddings for sequences of %d", errs.ErrShape, rows, tok.MaxLength())
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *autodiff.Tensor](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create feature cache: %w", err)
	}

	e := &Encoder{
		tok:        tok,
		tokens:     autodiff.Constant(weights.Tokens, "encoder.tokens"),
		positions:  autodiff.Constant(weights.Positions, "encoder.positions"),
		gamma:      autodiff.Constant(weights.Gamma, "encoder.gamma"),
		beta:       autodiff.Constant(weights.Beta, "encoder.beta"),
		projection: autodiff.Constant(weights.Projection, "encoder.projection"),
		bias:       autodiff.Constant(weights.Bias, "encoder.bias"),
		cache:      cache,
		logger:     logger,
	}
	logger.Info("encoder opened",
		zap.Int("vocab_size", tok.VocabSize()),
		zap.Int("feature_dim", weights.Dim()),
		zap.Int("cache_size", cacheSize))
	return e, nil
}

// EncodePair joint-encodes two texts into token ids.
func (e *Encoder) EncodePair(a, b string) ([]int, error) {
	if e.closed.Load() {
		return nil, errClosed
	}
	return e.tok.EncodePair(a, b)
}

// ExtractFeatures returns the len(ids) x Dim() per-token feature sequence.
// Results are cached by id sequence since the weights never change.
func (e *Encoder) ExtractFeatures(ids []int) (*autodiff.Tensor, error) {
	if e.closed.Load() {
		return nil, errClosed
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty token sequence", errs.ErrShape)
	}
	if maxPos, _ := e.positions.Shape(); len(ids) > maxPos {
		return nil, fmt.Errorf("%w: sequence of %d tokens exceeds %d positions", errs.ErrShape, len(ids), maxPos)
	}

	key := cacheKey(ids)
	if features, ok := e.cache.Get(key); ok {
		return features, nil
	}

	features, err := e.forward(ids)
	if err != nil {
		if errors.Is(err, autodiff.ErrShapeMismatch) {
			return nil, fmt.Errorf("%w: %v", errs.ErrShape, err)
		}
		return nil, err
	}
	e.cache.Add(key, features)
	return features, nil
}

// forward computes x = LayerNorm(tok[ids] + pos[0..n)), features = x + GELU(x W + b).
func (e *Encoder) forward(ids []int) (*autodiff.Tensor, error) {
	tok, err := autodiff.Gather(e.tokens, ids)
	if err != nil {
		return nil, fmt.Errorf("token embeddings: %w", err)
	}
	positions := make([]int, len(ids))
	for i := range positions {
		positions[i] = i
	}
	pos, err := autodiff.Gather(e.positions, positions)
	if err != nil {
		return nil, fmt.Errorf("position embeddings: %w", err)
	}
	x, err := autodiff.Add(tok, pos)
	if err != nil {
		return nil, err
	}
	if x, err = autodiff.LayerNorm(x, e.gamma, e.beta); err != nil {
		return nil, err
	}
	h, err := autodiff.MatMul(x, e.projection)
	if err != nil {
		return nil, err
	}
	if h, err = autodiff.AddRowVector(h, e.bias); err != nil {
		return nil, err
	}
	if h, err = autodiff.GELU(h); err != nil {
		return nil, err
	}
	out, err := autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}
	out.Name = "encoder.features"
	return out, nil
}

func cacheKey(ids []int) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}

// Parameters returns the frozen weight tensors.
func (e *Encoder) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{e.tokens, e.positions, e.gamma, e.beta, e.projection, e.bias}
}

// Dim returns the feature width.
func (e *Encoder) Dim() int {
	_, dim := e.tokens.Shape()
	return dim
}

// PadID returns the padding token id.
func (e *Encoder) PadID() int {
	return e.tok.PadID()
}

// Tokenizer exposes the underlying tokenizer.
func (e *Encoder) Tokenizer() *tokenizer.Tokenizer {
	return e.tok
}

// Close releases the feature cache. Later calls fail.
func (e *Encoder) Close() error {
	if e.closed.Swap(true) {
		return errClosed
	}
	e.cache.Purge()
	e.logger.Info("encoder closed")
	return nil
}
