package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roberta_ists/internal/dataset"
	"github.com/roberta_ists/internal/encoder"
	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/model"
	"github.com/roberta_ists/internal/solver"
)

func (s *session) openEncoder() (*encoder.Encoder, error) {
	return encoder.Open(s.cfg.EncoderConfig(), s.logger)
}

func (s *session) loadDataset(path string, enc *encoder.Encoder, labels *dataset.LabelEncoder) (*dataset.Dataset, error) {
	if path == "" {
		return nil, fmt.Errorf("no dataset path configured")
	}
	opts := &dataset.Options{SkipInvalidRows: s.cfg.Datasets.SkipInvalidRows, Labels: labels}
	return dataset.Load(path, enc, opts, s.logger)
}

// buildModel creates the heads and restores MODEL.WEIGHTS when that file
// exists.
func (s *session) buildModel(enc *encoder.Encoder, train *dataset.Dataset) (*model.Model, error) {
	cfg := s.cfg.ModelConfig(train.NumClasses())
	if cfg.NumClasses < train.NumClasses() {
		return nil, fmt.Errorf("%w: MODEL.NUM_CLASSES is %d but the training set has %d labels",
			errs.ErrConfig, cfg.NumClasses, train.NumClasses())
	}
	m, err := model.Build(cfg, enc, s.logger)
	if err != nil {
		return nil, err
	}
	path := s.cfg.Model.Weights
	if path == "" {
		return m, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("no head weights yet, using initial heads", zap.String("path", path))
		return m, nil
	}
	if err := m.LoadHeads(path); err != nil {
		return nil, err
	}
	return m, nil
}

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "load the training set and print its rows, classes and label codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(*configPath)
			if err != nil {
				return err
			}
			defer s.logger.Sync()
			enc, err := s.openEncoder()
			if err != nil {
				return err
			}
			defer enc.Close()
			ds, err := s.loadDataset(s.cfg.Datasets.Train, enc, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rows: %d\n", ds.Len())
			fmt.Fprintf(out, "classes: %d\n", ds.NumClasses())
			for code, label := range ds.Labels().Classes() {
				fmt.Fprintf(out, "  %d\t%s\n", code, label)
			}
			for i := 0; i < ds.Len(); i++ {
				item, err := ds.Get(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\ttokens=%d\tsimilarity=%.4f\tlabel=%d\n", i, len(item.Tokens), item.Similarity, item.Label)
			}
			return nil
		},
	}
}

func newPredictCmd(configPath *string) *cobra.Command {
	var dataPath string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "run eval-mode predictions and print score and label per row",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(*configPath)
			if err != nil {
				return err
			}
			defer s.logger.Sync()
			enc, err := s.openEncoder()
			if err != nil {
				return err
			}
			defer enc.Close()

			train, err := s.loadDataset(s.cfg.Datasets.Train, enc, nil)
			if err != nil {
				return err
			}
			if dataPath == "" {
				dataPath = s.cfg.Datasets.Test
			}
			data := train
			if dataPath != "" {
				if data, err = s.loadDataset(dataPath, enc, train.Labels()); err != nil {
					return err
				}
			}
			m, err := s.buildModel(enc, train)
			if err != nil {
				return err
			}

			batches, err := data.Batches(s.cfg.Datasets.BatchSize, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, b := range batches {
				ids, masks := b.Padded(enc.PadID())
				preds, err := m.Predict(ids, masks)
				if err != nil {
					return err
				}
				for k, p := range preds {
					ex, err := data.Example(b.Indices[k])
					if err != nil {
						return err
					}
					label, err := data.Labels().Decode(p.Label)
					if err != nil {
						label = fmt.Sprintf("#%d", p.Label)
					}
					fmt.Fprintf(out, "%d\t%.4f\t%s\t%.3f\t%s | %s\n",
						b.Indices[k], p.Similarity, label, p.Probability, ex.Chunk1, ex.Chunk2)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "CSV to predict on (defaults to DATASETS.TEST, then the training set)")
	return cmd
}

func newStepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "step",
		Short: "take one optimizer step per training batch and save the heads to MODEL.WEIGHTS",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(*configPath)
			if err != nil {
				return err
			}
			defer s.logger.Sync()
			enc, err := s.openEncoder()
			if err != nil {
				return err
			}
			defer enc.Close()

			train, err := s.loadDataset(s.cfg.Datasets.Train, enc, nil)
			if err != nil {
				return err
			}
			m, err := s.buildModel(enc, train)
			if err != nil {
				return err
			}
			opt, err := solver.MakeOptimizer(s.cfg.SolverConfig(), m.Parameters().Trainable, s.logger)
			if err != nil {
				return err
			}
			trainer, err := solver.NewTrainer(m, opt, enc.PadID(), s.logger)
			if err != nil {
				return err
			}

			batches, err := train.Batches(s.cfg.Datasets.BatchSize, rand.New(rand.NewSource(s.cfg.Model.Seed)))
			if err != nil {
				return err
			}
			total := 0.0
			for i, b := range batches {
				loss, err := trainer.Step(b)
				if err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
				total += loss
				s.logger.Info("step done", zap.Int("batch", i), zap.Float64("loss", loss))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "steps: %d\tmean loss: %.6f\n", len(batches), total/float64(len(batches)))
			if s.cfg.Model.Weights == "" {
				s.logger.Warn("MODEL.WEIGHTS not set, trained heads are discarded")
				return nil
			}
			return m.SaveHeads(s.cfg.Model.Weights)
		},
	}
}

func newInitEncoderCmd(configPath *string) *cobra.Command {
	var (
		outPath   string
		vocabSize int
	)
	cmd := &cobra.Command{
		Use:   "init-encoder",
		Short: "write seeded frozen encoder weights for the configured vocabulary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			s, err := newSession(*configPath)
			if err != nil {
				return err
			}
			defer s.logger.Sync()
			encCfg := s.cfg.EncoderConfig()

			if vocabSize > 0 {
				return bootstrapEncoder(s, encCfg, vocabSize, outPath)
			}

			encCfg.WeightsPath = ""
			enc, err := encoder.Open(encCfg, s.logger)
			if err != nil {
				return err
			}
			defer enc.Close()
			weights, err := encoder.RandomWeights(enc.Tokenizer().VocabSize(), encCfg.MaxPositions, encCfg.FeatureDim, encCfg.Seed)
			if err != nil {
				return err
			}
			if err := weights.Save(outPath); err != nil {
				return err
			}
			s.logger.Info("encoder weights written", zap.String("path", outPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "where to write the encoder weights")
	cmd.Flags().IntVar(&vocabSize, "bootstrap-vocab", 0, "train a vocabulary of this size on the training texts first")
	return cmd
}

// bootstrapEncoder trains a vocabulary on the training texts, writes it to
// the configured vocab and merges paths and the weights to outPath.
func bootstrapEncoder(s *session, encCfg encoder.Config, vocabSize int, outPath string) error {
	if encCfg.VocabPath == "" || encCfg.MergesPath == "" {
		return fmt.Errorf("ENCODER.VOCAB and ENCODER.MERGES must name where to write the vocabulary")
	}
	examples, err := dataset.ReadExamples(s.cfg.Datasets.Train)
	if err != nil {
		return err
	}
	texts := make([]string, 0, 2*len(examples))
	for _, ex := range examples {
		for _, text := range []string{ex.Chunk1, ex.Chunk2} {
			if strings.TrimSpace(text) != "" {
				texts = append(texts, text)
			}
		}
	}
	enc, weights, err := encoder.Bootstrap(texts, vocabSize, encCfg, s.logger)
	if err != nil {
		return err
	}
	defer enc.Close()
	if err := enc.Tokenizer().Save(encCfg.VocabPath, encCfg.MergesPath); err != nil {
		return err
	}
	if err := weights.Save(outPath); err != nil {
		return err
	}
	s.logger.Info("encoder bootstrapped",
		zap.Int("vocab_size", enc.Tokenizer().VocabSize()),
		zap.String("vocab", encCfg.VocabPath),
		zap.String("weights", outPath))
	return nil
}
