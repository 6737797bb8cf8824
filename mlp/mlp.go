// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// Package mlp implements a configurable feed-forward (multi-layer perceptron)
// classifier on top of GoMLX: one dense layer per consecutive pair of sizes,
// ReLU and dropout after each hidden layer, and a log-softmax over the output
// classes, so the model outputs per-class log-probabilities.
//
// The network is fully described by a Config; the shapes of all its parameters
// are derived from the Config alone (see Config.ParameterShapes), which the
// checkpoint package uses as the source of truth when validating restored
// parameters.
package mlp

import (
	"fmt"
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ModelScope is the context scope under which all model variables are created.
	ModelScope = "model"

	// ParamHiddenLayers is the context hyperparameter with the hidden layer sizes,
	// as a comma-separated list of positive integers, e.g. "128,64".
	ParamHiddenLayers = "hidden_layers"

	// ParamDropoutRate is the context hyperparameter with the dropout rate applied
	// after each hidden layer during training. 0 disables dropout.
	ParamDropoutRate = "dropout_rate"
)

// Config describes a feed-forward classifier. It is immutable once the network
// is constructed: the same Config always implies the same parameter shapes.
type Config struct {
	// InputSize is the flattened input dimension, e.g. 784 for 28x28 images.
	InputSize int `json:"input_size"`

	// HiddenSizes are the widths of the hidden layers, in order. May be empty,
	// in which case the model is a linear (logistic) classifier.
	HiddenSizes []int `json:"hidden_sizes"`

	// OutputSize is the number of classes.
	OutputSize int `json:"output_size"`

	// DropoutRate in [0, 1) is applied to each hidden layer activation during
	// training. It is a training-time knob: it doesn't change parameter shapes.
	DropoutRate float64 `json:"dropout_rate"`
}

// FromContext builds a Config from the hyperparameters set in ctx
// (ParamHiddenLayers and ParamDropoutRate) plus the given input/output sizes.
func FromContext(ctx *context.Context, inputSize, outputSize int) (Config, error) {
	hidden, err := ParseHiddenSizes(context.GetParamOr(ctx, ParamHiddenLayers, "128,64"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		InputSize:   inputSize,
		HiddenSizes: hidden,
		OutputSize:  outputSize,
		DropoutRate: context.GetParamOr(ctx, ParamDropoutRate, 0.0),
	}
	return cfg, cfg.Validate()
}

// ParseHiddenSizes parses a comma-separated list of positive layer widths.
// The empty string parses to no hidden layers.
func ParseHiddenSizes(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		size, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hidden layer size %q in %q", part, list)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

// Validate returns an error if the configuration cannot describe a network.
func (c Config) Validate() error {
	if c.InputSize <= 0 {
		return errors.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if c.OutputSize <= 0 {
		return errors.Errorf("output size must be positive, got %d", c.OutputSize)
	}
	for ii, size := range c.HiddenSizes {
		if size <= 0 {
			return errors.Errorf("hidden layer #%d size must be positive, got %d", ii, size)
		}
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	return nil
}

// SameArchitecture reports whether both configurations imply the same parameter
// shapes. DropoutRate is excluded: it affects training only, not the parameters.
func (c Config) SameArchitecture(other Config) bool {
	if c.InputSize != other.InputSize || c.OutputSize != other.OutputSize ||
		len(c.HiddenSizes) != len(other.HiddenSizes) {
		return false
	}
	for ii, size := range c.HiddenSizes {
		if size != other.HiddenSizes[ii] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("MLP(input=%d, hidden=%v, output=%d, dropout=%.2f)",
		c.InputSize, c.HiddenSizes, c.OutputSize, c.DropoutRate)
}

// hiddenScope is the scope of the ii-th hidden layer, under ModelScope.
func hiddenScope(ii int) string { return fmt.Sprintf("%03d_hidden", ii) }

// readoutScope is the scope of the final (output) layer, under ModelScope.
const readoutScope = "readout"

// ParameterShapes returns the shapes of every trainable parameter implied by
// the configuration, keyed by the absolute variable path (scope plus name).
// layers.Dense creates a "dense" sub-scope holding "weights" and "biases".
func (c Config) ParameterShapes(dtype dtypes.DType) map[string]shapes.Shape {
	params := make(map[string]shapes.Shape, 2*(len(c.HiddenSizes)+1))
	addDense := func(scope string, fanIn, fanOut int) {
		prefix := "/" + ModelScope + "/" + scope + "/dense/"
		params[prefix+"weights"] = shapes.Make(dtype, fanIn, fanOut)
		params[prefix+"biases"] = shapes.Make(dtype, fanOut)
	}
	fanIn := c.InputSize
	for ii, size := range c.HiddenSizes {
		addDense(hiddenScope(ii), fanIn, size)
		fanIn = size
	}
	addDense(readoutScope, fanIn, c.OutputSize)
	return params
}

// NumParameters is the total number of trainable weights implied by the configuration.
func (c Config) NumParameters() int {
	var total int
	fanIn := c.InputSize
	for _, size := range append(append([]int{}, c.HiddenSizes...), c.OutputSize) {
		total += fanIn*size + size
		fanIn = size
	}
	return total
}

// ModelGraph builds the forward computation for a batch of inputs. It implements
// train.ModelFn (as a method value, `cfg.ModelGraph`), and returns the per-class
// log-probabilities, shaped `[batch_size, OutputSize]`.
//
// The input may have any shape `[batch_size, ...]` as long as it flattens to
// `[batch_size, InputSize]`.
//
// Dropout is only active while the graph is built in training mode
// (ctx.IsTraining), which the trainer scopes per executed graph: evaluation and
// inference graphs never see it.
func (c Config) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In(ModelScope)
	batchedInputs := inputs[0]
	g := batchedInputs.Graph()
	batchSize := batchedInputs.Shape().Dimensions[0]
	logits := Reshape(batchedInputs, batchSize, -1)
	logits.AssertDims(batchSize, c.InputSize)

	var dropout *Node
	if c.DropoutRate > 0 {
		dropout = Scalar(g, logits.DType(), c.DropoutRate)
	}
	for ii, size := range c.HiddenSizes {
		layerCtx := ctx.In(hiddenScope(ii))
		logits = layers.DenseWithBias(layerCtx, logits, size)
		logits = activations.Relu(logits)
		if dropout != nil {
			logits = layers.DropoutNormalize(layerCtx.In("dropout"), logits, dropout, true)
		}
	}
	logits = layers.DenseWithBias(ctx.In(readoutScope), logits, c.OutputSize)
	logProbs := LogSoftmax(logits, -1)
	logProbs.AssertDims(batchSize, c.OutputSize)
	return []*Node{logProbs}
}
