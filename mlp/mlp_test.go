// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

package mlp

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/mlharness/fnnclassifier/internal/testbackend"
)

func TestParseHiddenSizes(t *testing.T) {
	sizes, err := ParseHiddenSizes("128,64")
	require.NoError(t, err)
	require.Equal(t, []int{128, 64}, sizes)

	sizes, err = ParseHiddenSizes(" 32 , 16 ,8")
	require.NoError(t, err)
	require.Equal(t, []int{32, 16, 8}, sizes)

	sizes, err = ParseHiddenSizes("")
	require.NoError(t, err)
	require.Empty(t, sizes)

	_, err = ParseHiddenSizes("128,banana")
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10, DropoutRate: 0.5}
	require.NoError(t, valid.Validate())

	for _, bad := range []Config{
		{InputSize: 0, OutputSize: 10},
		{InputSize: 784, OutputSize: 0},
		{InputSize: 784, HiddenSizes: []int{128, -1}, OutputSize: 10},
		{InputSize: 784, OutputSize: 10, DropoutRate: 1.0},
		{InputSize: 784, OutputSize: 10, DropoutRate: -0.1},
	} {
		require.Error(t, bad.Validate(), "config %s should not validate", bad)
	}
}

func TestSameArchitecture(t *testing.T) {
	base := Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10}
	require.True(t, base.SameArchitecture(base))

	// DropoutRate doesn't change the parameters.
	withDropout := base
	withDropout.DropoutRate = 0.5
	require.True(t, base.SameArchitecture(withDropout))

	for _, other := range []Config{
		{InputSize: 100, HiddenSizes: []int{128, 64}, OutputSize: 10},
		{InputSize: 784, HiddenSizes: []int{64, 32}, OutputSize: 10},
		{InputSize: 784, HiddenSizes: []int{128}, OutputSize: 10},
		{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 2},
	} {
		require.False(t, base.SameArchitecture(other), "%s should differ from %s", other, base)
	}
}

func TestParameterShapes(t *testing.T) {
	cfg := Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10}
	got := cfg.ParameterShapes(dtypes.Float32)
	require.Len(t, got, 6)
	require.Equal(t, []int{784, 128}, got["/model/000_hidden/dense/weights"].Dimensions)
	require.Equal(t, []int{128}, got["/model/000_hidden/dense/biases"].Dimensions)
	require.Equal(t, []int{128, 64}, got["/model/001_hidden/dense/weights"].Dimensions)
	require.Equal(t, []int{64}, got["/model/001_hidden/dense/biases"].Dimensions)
	require.Equal(t, []int{64, 10}, got["/model/readout/dense/weights"].Dimensions)
	require.Equal(t, []int{10}, got["/model/readout/dense/biases"].Dimensions)

	total := 0
	for _, shape := range got {
		total += shape.Size()
	}
	require.Equal(t, total, cfg.NumParameters())

	// No hidden layers: a plain linear classifier.
	linear := Config{InputSize: 4, OutputSize: 2}
	got = linear.ParameterShapes(dtypes.Float32)
	require.Len(t, got, 2)
	require.Equal(t, []int{4, 2}, got["/model/readout/dense/weights"].Dimensions)
	require.Equal(t, 4*2+2, linear.NumParameters())
}

// testBatch builds a deterministic batch of batchSize fake images.
func testBatch(batchSize, inputSize int) *tensors.Tensor {
	flat := make([]float32, batchSize*inputSize)
	for ii := range flat {
		flat[ii] = float32(ii%7) / 7
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, 28, 28, 1)
}

// buildModel executes one forward pass, creating the model variables in ctx,
// and returns the output.
func buildModel(t *testing.T, ctx *context.Context, cfg Config, batch *tensors.Tensor) *tensors.Tensor {
	backend := testbackend.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return cfg.ModelGraph(ctx, nil, []*Node{images})[0]
	})
	outputs := exec.Call(batch)
	require.Len(t, outputs, 1)
	return outputs[0]
}

func TestModelGraphOutput(t *testing.T) {
	cfg := Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10}
	ctx := context.New()
	ctx.RngStateFromSeed(42)

	batchSize := 64
	output := buildModel(t, ctx, cfg, testBatch(batchSize, cfg.InputSize))
	require.Equal(t, []int{batchSize, cfg.OutputSize}, output.Shape().Dimensions)

	// Log-probabilities: exponentiated, every row sums to 1.
	rows := output.Value().([][]float32)
	for ii, row := range rows {
		var sum float64
		for _, logProb := range row {
			require.LessOrEqual(t, logProb, float32(0), "row #%d", ii)
			sum += math.Exp(float64(logProb))
		}
		require.InDelta(t, 1.0, sum, 1e-3, "row #%d", ii)
	}
}

func TestSameConfigSameShapesDifferentValues(t *testing.T) {
	cfg := Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10}
	batch := testBatch(8, cfg.InputSize)

	ctx1 := context.New()
	ctx1.RngStateFromSeed(1)
	buildModel(t, ctx1, cfg, batch)

	ctx2 := context.New()
	ctx2.RngStateFromSeed(2)
	buildModel(t, ctx2, cfg, batch)

	want := cfg.ParameterShapes(dtypes.Float32)
	for path, shape := range want {
		scope, name := splitPath(path)
		v1 := ctx1.InspectVariable(scope, name)
		v2 := ctx2.InspectVariable(scope, name)
		require.NotNilf(t, v1, "variable %q missing from first build", path)
		require.NotNilf(t, v2, "variable %q missing from second build", path)
		require.Truef(t, v1.Shape().Equal(shape), "variable %q shape %s, want %s", path, v1.Shape(), shape)
		require.Truef(t, v2.Shape().Equal(shape), "variable %q shape %s, want %s", path, v2.Shape(), shape)
	}

	// Different seeds initialize different weights.
	w1 := ctx1.InspectVariable("/model/000_hidden/dense", "weights").Value()
	w2 := ctx2.InspectVariable("/model/000_hidden/dense", "weights").Value()
	require.False(t, w1.InDelta(w2, 0), "two random initializations should not be identical")
}

func TestEvalDeterministicTrainingNot(t *testing.T) {
	backend := testbackend.New()
	cfg := Config{InputSize: 784, HiddenSizes: []int{32}, OutputSize: 10, DropoutRate: 0.5}
	batch := testBatch(16, cfg.InputSize)

	ctx := context.New()
	ctx.RngStateFromSeed(42)

	evalExec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return cfg.ModelGraph(ctx, nil, []*Node{images})[0]
	})
	eval1 := evalExec.Call(batch)[0]
	eval2 := evalExec.Call(batch)[0]
	require.True(t, eval1.InDelta(eval2, 0), "evaluation must be deterministic: dropout disabled")

	trainCtx := context.New()
	trainCtx.RngStateFromSeed(42)
	trainExec := context.NewExec(backend, trainCtx, func(ctx *context.Context, images *Node) *Node {
		g := images.Graph()
		ctx.SetTraining(g, true)
		return cfg.ModelGraph(ctx, nil, []*Node{images})[0]
	})
	train1 := trainExec.Call(batch)[0]
	train2 := trainExec.Call(batch)[0]
	require.False(t, train1.InDelta(train2, 0), "with dropout > 0, training forwards should differ between calls")
}

// splitPath splits an absolute variable path into scope and name.
func splitPath(path string) (scope, name string) {
	for ii := len(path) - 1; ii >= 0; ii-- {
		if path[ii] == '/' {
			return path[:ii], path[ii+1:]
		}
	}
	return "", path
}
