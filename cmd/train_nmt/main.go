package main

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hushukai/abdnmt/checkpoint"
	"github.com/hushukai/abdnmt/config"
	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/eventlog"
	"github.com/hushukai/abdnmt/nn/bagmodel"
	"github.com/hushukai/abdnmt/trainer"
	"github.com/hushukai/abdnmt/vocab"
)

var (
	flagConfigs []string
	flagCLI     config.Config
)

func main() {
	cmd := &cobra.Command{
		Use:   "train_nmt",
		Short: "train a translation model with checkpointed resume",
		Long: `train_nmt runs the training loop over aligned source/target text
files. Interrupted runs resume from the latest checkpoint in the model
directory; command line flags override config files, which override the
checkpointed configuration.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&flagConfigs, "config", nil, "YAML config files, later files win")
	f.StringVar(&flagCLI.Model, "model", "", "model directory for checkpoints and logs")
	f.StringSliceVar(&flagCLI.Train, "train", nil, "training files: source then target")
	f.StringSliceVar(&flagCLI.Dev, "dev", nil, "dev files: source then references")
	f.StringSliceVar(&flagCLI.Vocab, "vocab", nil, "vocabulary file per field")
	f.IntSliceVar(&flagCLI.VocabSize, "vocab-size", nil, "vocabulary size cap per field")
	f.Int64Var(&flagCLI.Seed, "seed", 0, "random seed base")
	f.IntSliceVar(&flagCLI.BatchSize, "batch-size", nil, "batch budget, optionally followed by the padded-size cap")
	f.BoolVar(&flagCLI.BatchBySentence, "batch-by-sentence", false, "budget batches by sentences instead of target tokens")
	f.IntVar(&flagCLI.Accumulate, "accumulate", 0, "micro-batches per parameter update")
	f.Float64Var(&flagCLI.LR, "lr", 0, "initial learning rate")
	f.Float64Var(&flagCLI.MinLR, "min-lr", 0, "stop once the learning rate falls to this floor")
	f.Float64Var(&flagCLI.ClipNorm, "clip-norm", 0, "global gradient norm clip threshold")
	f.IntVar(&flagCLI.MaxEpoch, "max-epoch", 0, "stop after this many epochs")
	f.Int64Var(&flagCLI.MaxStep, "max-step", 0, "stop after this many updates")
	f.Int64Var(&flagCLI.EvalSteps, "eval-steps", 0, "validate every this many updates")
	f.IntVar(&flagCLI.BeamSize, "beam-size", 0, "decoding beam width")
	f.BoolVar(&flagCLI.R2L, "r2l", false, "targets are right-to-left, reverse hypotheses before scoring")
	f.BoolVar(&flagCLI.BPE, "bpe", false, "targets are subword encoded, join before scoring")
	f.IntVar(&flagCLI.HiddenSize, "hidden-size", 0, "model hidden size")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "train_nmt: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	fs := afero.NewOsFs()

	modelDir := flagCLI.Model
	if modelDir == "" {
		modelDir = "model"
	}

	// latest checkpoint first: its embedded config is the lowest explicit
	// layer of the override chain
	snap, snapPath, err := checkpoint.Latest(fs, modelDir)
	if err != nil {
		return errors.Wrap(err, "scan checkpoints")
	}
	layers := []config.Config{}
	if snap != nil {
		saved, err := config.FromJSON(snap.Config)
		if err != nil {
			return err
		}
		layers = append(layers, saved)
	}
	for _, p := range flagConfigs {
		layer, err := config.LoadFile(fs, p)
		if err != nil {
			return err
		}
		layers = append(layers, layer)
	}
	layers = append(layers, flagCLI)
	cfg := config.Resolve(layers...)

	if len(cfg.Train) < 2 {
		return errors.New("need --train with a source and a target file")
	}
	if len(cfg.Vocab) != len(cfg.Train) {
		return errors.Errorf("have %d training fields but %d vocabularies", len(cfg.Train), len(cfg.Vocab))
	}

	reportDevice(log)

	vocabs := make([]*vocab.Vocabulary, len(cfg.Vocab))
	for i, p := range cfg.Vocab {
		size := 0
		if i < len(cfg.VocabSize) {
			size = cfg.VocabSize[i]
		}
		if vocabs[i], err = vocab.Load(fs, p, size); err != nil {
			return err
		}
		log.Infof("vocabulary %d: %s tokens from %s", i, humanize.Comma(int64(vocabs[i].Len())), p)
	}
	srcVocab, trgVocab := vocabs[0], vocabs[len(vocabs)-1]

	model := bagmodel.New(bagmodel.Config{
		SrcVocab: srcVocab.Len(),
		TrgVocab: trgVocab.Len(),
		Hidden:   cfg.HiddenSize,
		Token:    trgVocab.Token,
	}, cfg.Seed)
	var paramCount int64
	for _, p := range model.Parameters() {
		paramCount += int64(len(p.Value))
	}
	log.Infof("model parameters: %s", humanize.Comma(paramCount))

	opt := bagmodel.NewSGD(model, cfg.LR)
	sched := bagmodel.NewPlateau(opt, cfg.LR, 0, 0.5)

	rawCfg, err := cfg.ToJSON()
	if err != nil {
		return err
	}
	subs := map[string]checkpoint.Stateful{
		"model":     model,
		"optimizer": opt,
		"scheduler": sched,
	}
	for i, v := range vocabs {
		subs[fmt.Sprintf("vocab.%d", i)] = v
	}
	state := checkpoint.New(fs, checkpoint.Options{
		Dir:          modelDir,
		SaveInterval: time.Duration(cfg.SaveCheckpointSecs) * time.Second,
		SaveSteps:    cfg.SaveCheckpointSteps,
		KeepMax:      cfg.KeepCheckpointMax,
		KeepBestMax:  cfg.KeepBestCheckpointMax,
	}, rawCfg, subs, log)
	if snap != nil {
		if err := state.Restore(snap); err != nil {
			return err
		}
		log.Infof("resumed run %s from %s at step %d", state.RunID(), snapPath, state.Progress.Step)
	} else {
		state.Progress.SeedBase = cfg.Seed
		log.Infof("fresh run %s in %s", state.RunID(), modelDir)
	}

	transform := func(lines []string) (data.Record, error) {
		r := data.Record{Fields: make([][]int32, len(lines))}
		for i, l := range lines {
			r.Fields[i] = vocabs[i].Encode(l)
		}
		return r, nil
	}
	padIDs := make([]int32, len(vocabs))
	iter := data.NewIterator(
		data.FileStreams(fs, cfg.Train, cfg.BufferSize),
		transform,
		data.Options{
			BufferSize:      cfg.BufferSize,
			NumWorkers:      cfg.NumWorkers,
			ShuffleWindow:   cfg.Shuffle,
			LengthLimits:    cfg.LengthLimit,
			BatchSize:       cfg.PrimaryBatchSize(),
			PaddedSizeLimit: cfg.PaddedSizeLimit(),
			BatchBySentence: cfg.BatchBySentence,
			SortCacheFactor: cfg.SortBufferFactor,
			SortCacheKey:    data.Record.TargetLen,
			SortBatchKey:    data.Record.SourceLen,
			PadIDs:          padIDs,
			Seed:            cfg.Seed,
		})

	var dev *data.EvalSet
	if len(cfg.Dev) >= 2 {
		dev, err = data.NewEvalSet(fs, cfg.Dev[0], cfg.Dev[1:], srcVocab.Encode, cfg.EvalBatchSize, vocab.PadID)
		if err != nil {
			return err
		}
		log.Infof("dev set: %d sentences, %d references", dev.Len(), len(cfg.Dev)-1)
	}

	events, err := eventlog.NewWriter(fs, path.Join(modelDir, "events.log"))
	if err != nil {
		return err
	}
	defer events.Close()

	loop := &trainer.Loop{
		Cfg:     cfg,
		Trainer: trainer.New(model, bagmodel.CrossEntropy{}, opt, sched, cfg.ClipNorm, log),
		Iter:    iter,
		Dev:     dev,
		State:   state,
		Events:  events,
		Log:     log,
	}
	return loop.Run()
}

func reportDevice(log *zap.SugaredLogger) {
	log.Infof("cpu: %s, %d physical / %d logical cores",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	log.Infof("vector extensions: avx=%v avx2=%v avx512f=%v",
		cpuid.CPU.Supports(cpuid.AVX), cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}
