// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// Package fnnclassifier trains a configurable feed-forward classifier on the
// MNIST or FashionMNIST images, evaluating it periodically on the held-out
// split and checkpointing the model, and serves a trained checkpoint for
// inference.
//
// The heavy lifting -- tensors, automatic differentiation, optimizers, batching
// -- is all delegated to GoMLX; this package only wires the pieces together.
package fnnclassifier

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/mlharness/fnnclassifier/checkpoint"
	"github.com/mlharness/fnnclassifier/mlp"
	"github.com/mlharness/fnnclassifier/mnist"
)

const (
	// ParamTrainSteps is the number of training steps to run, when ParamEpochs is 0.
	ParamTrainSteps = "train_steps"

	// ParamEpochs, if > 0, trains for that many passes over the training data
	// instead of a fixed number of steps.
	ParamEpochs = "epochs"

	// ParamBatchSize for training batches.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize for evaluation batches; it can be larger than
	// training, it's more efficient.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamEvalEveryNSteps is the cadence of the periodic validation report
	// (and of checkpoint saving, if a checkpoint path is given). 0 disables it.
	ParamEvalEveryNSteps = "eval_every_n_steps"
)

// DType used for the models and datasets.
var DType = dtypes.Float32

// CreateDefaultContext creates a context with the default hyperparameters for
// TrainModel. Any of them can be overridden with the settings flag (see
// commandline.CreateContextSettingsFlag) or ctx.SetParam.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:      3000,
		ParamEpochs:          0,
		ParamBatchSize:       64,
		ParamEvalBatchSize:   1000,
		ParamEvalEveryNSteps: 200,

		mlp.ParamHiddenLayers: "128,64",
		mlp.ParamDropoutRate:  0.2,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// TrainModel trains a feed-forward classifier on the given source using the
// hyperparameters in ctx, reporting validation loss and accuracy (alongside
// the moving-average training metrics) every ParamEvalEveryNSteps steps, and
// finally evaluating on the train and validation splits. If checkpointPath is
// not empty, the model is saved there on the same cadence and at the end --
// and if the file already exists, the saved model and global step are restored
// first, so a second run resumes training instead of reinitializing.
//
// Any error from the dataset or from GoMLX is fatal: it panics (via
// exceptions/must), to be caught at the caller's boundary.
func TrainModel(ctx *context.Context, dataDir string, source mnist.Source, checkpointPath string) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	must.M(mnist.Download(source, dataDir))

	backend := backends.New()
	epochs := context.GetParamOr(ctx, ParamEpochs, 0)
	dsConfig := &mnist.DatasetsConfiguration{
		DataDir:        dataDir,
		BatchSize:      context.GetParamOr(ctx, ParamBatchSize, 64),
		EvalBatchSize:  context.GetParamOr(ctx, ParamEvalBatchSize, 1000),
		FiniteTrain:    epochs > 0,
		UseParallelism: true,
		BufferSize:     100,
		Dtype:          DType,
	}
	trainDS, trainEvalDS, validationEvalDS := mnist.CreateDatasets(dsConfig, source)

	cfg := must.M1(mlp.FromContext(ctx, mnist.FlatImageSize, mnist.NumClasses))
	fmt.Printf("Model: %s (%s parameters)\n", cfg, humanize.Comma(int64(cfg.NumParameters())))

	// Resume from a previous run: restore parameters and global step before
	// the trainer touches the context. A checkpoint from a different
	// architecture fails here, listing every mismatched parameter.
	resumed := false
	if checkpointPath != "" && data.FileExists(checkpointPath) {
		record := must.M1(checkpoint.Load(checkpointPath))
		must.M(record.Validate(cfg))
		must.M(record.Restore(ctx))
		resumed = true
		fmt.Printf("Resumed model from %q (global step %d)\n", checkpointPath, optimizers.GetGlobalStep(ctx))
	}

	trainer := newTrainer(backend, ctx, cfg)
	if resumed {
		// All model variables already exist.
		trainer.SetContext(ctx.Reuse())
	}
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	evalEvery := context.GetParamOr(ctx, ParamEvalEveryNSteps, 200)
	if evalEvery > 0 {
		train.EveryNSteps(loop, evalEvery, "validation", 100,
			func(loop *train.Loop, lastStepMetrics []*tensors.Tensor) error {
				return reportValidation(loop, trainer, validationEvalDS, lastStepMetrics)
			})
		if checkpointPath != "" {
			train.EveryNSteps(loop, evalEvery, "checkpointing", 110,
				func(_ *train.Loop, _ []*tensors.Tensor) error {
					return checkpoint.Save(ctx, cfg, checkpointPath)
				})
		}
	}

	if epochs > 0 {
		_ = must.M1(loop.RunEpochs(trainDS, epochs))
	} else {
		numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
		globalStep := int(optimizers.GetGlobalStep(ctx))
		if globalStep < numTrainSteps {
			_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		} else {
			fmt.Printf("\t- target train_steps=%d already reached. To train further, set a number additional "+
				"to the current global step.\n", numTrainSteps)
		}
	}

	if checkpointPath != "" {
		must.M(checkpoint.Save(ctx, cfg, checkpointPath))
		fmt.Printf("Model checkpointed to %q\n", checkpointPath)
	}

	fmt.Println()
	must.M(commandline.ReportEval(trainer, trainEvalDS, validationEvalDS))
	fmt.Println()
}

// newTrainer builds the train.Trainer for cfg: sparse cross-entropy loss
// (idempotent over the model's log-softmax output), accuracy metrics and the
// optimizer configured in ctx ("sgd", "adam", ...).
func newTrainer(backend backends.Backend, ctx *context.Context, cfg mlp.Config) *train.Trainer {
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx,
		cfg.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// reportValidation switches the model to evaluation (dropout disabled,
// forward-only) for the duration of one pass over ds, and prints on a single
// line the training metrics of the last step -- moving-average loss and
// accuracy -- next to the eval metrics (mean loss and accuracy).
func reportValidation(loop *train.Loop, trainer *train.Trainer, ds train.Dataset, lastStepMetrics []*tensors.Tensor) error {
	evalValues := trainer.Eval(ds)
	var trainParts []string
	for ii, metric := range trainer.TrainMetrics() {
		if ii >= len(lastStepMetrics) {
			break
		}
		trainParts = append(trainParts, fmt.Sprintf("%s=%s", metric.ShortName(), metric.PrettyPrint(lastStepMetrics[ii])))
	}
	evalParts := make([]string, 0, len(evalValues))
	for ii, metric := range trainer.EvalMetrics() {
		evalParts = append(evalParts, fmt.Sprintf("%s=%s", metric.ShortName(), metric.PrettyPrint(evalValues[ii])))
	}
	fmt.Printf("\n[step %d] train: %s | %s: %s\n", loop.LoopStep,
		strings.Join(trainParts, ", "), ds.Name(), strings.Join(evalParts, ", "))
	ds.Reset()
	return nil
}
