// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

package fnnclassifier

import (
	"image"
	"image/color"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/mlharness/fnnclassifier/checkpoint"
	"github.com/mlharness/fnnclassifier/mlp"
	"github.com/mlharness/fnnclassifier/mnist"
)

// Classifier serves a trained model for inference: it loads a checkpoint and
// classifies single images. It uses the default backend, configurable with
// GOMLX_BACKEND.
//
// Inference always runs the forward pass in evaluation mode: dropout is never
// applied, and the same image always yields the same class.
type Classifier struct {
	backend backends.Backend

	// ctx holds the restored model weights, in reuse mode: creating any new
	// variable is an error, an extra sanity check against config drift.
	ctx *context.Context

	cfg  mlp.Config
	exec *context.Exec
}

// NewClassifier loads the model checkpointed at checkpointPath and compiles it
// for inference. The network architecture comes entirely from the checkpoint's
// stored configuration.
func NewClassifier(checkpointPath string) (*Classifier, error) {
	record, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		backend: backends.New(),
		ctx:     context.New(),
		cfg:     record.Config,
	}
	if err = record.Restore(c.ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to restore model from %q", checkpointPath)
	}
	c.ctx = c.ctx.Reuse()

	c.exec = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, img *graph.Node) *graph.Node {
		img = graph.ExpandAxes(img, 0) // Batch dimension of size 1.
		logProbs := c.cfg.ModelGraph(ctx, nil, []*graph.Node{img})[0]
		choice := graph.ArgMax(logProbs, -1, dtypes.Int32)
		return graph.Reshape(choice) // Drop the batch dimension, back to a scalar.
	})
	return c, nil
}

// Config of the loaded model.
func (c *Classifier) Config() mlp.Config { return c.cfg }

// Classify returns the predicted class for img, from 0 to OutputSize-1. The
// image must have the dimensions the model was trained on (28x28 for the
// bundled datasets); it is converted to grayscale and scaled to [0, 1].
func (c *Classifier) Classify(img image.Image) (int32, error) {
	input := imageToTensor(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	if err != nil {
		return 0, err
	}
	return tensors.ToScalar[int32](outputs[0]), nil
}

// imageToTensor converts img to a grayscale tensor shaped
// `[height, width, 1]`, with values scaled to [0, 1] -- the same layout the
// training datasets yield (see mnist.Dataset), minus the batch dimension.
func imageToTensor(img image.Image) *tensors.Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	flat := make([]float32, 0, height*width)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			flat = append(flat, float32(gray.Y)/float32(mnist.MaxPixelValue))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, height, width, 1)
}
