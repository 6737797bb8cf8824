// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/mlharness/fnnclassifier/internal/testbackend"
	"github.com/mlharness/fnnclassifier/mlp"
)

// forward runs one forward pass of cfg with ctx, creating the model variables
// on first use.
func forward(t *testing.T, ctx *context.Context, cfg mlp.Config, batch *tensors.Tensor) *tensors.Tensor {
	exec := context.NewExec(testbackend.New(), ctx, func(ctx *context.Context, images *Node) *Node {
		return cfg.ModelGraph(ctx, nil, []*Node{images})[0]
	})
	return exec.Call(batch)[0]
}

func testBatch(batchSize, inputSize int) *tensors.Tensor {
	flat := make([]float32, batchSize*inputSize)
	for ii := range flat {
		flat[ii] = float32(ii%11) / 11
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, inputSize)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := mlp.Config{InputSize: 20, HiddenSizes: []int{8, 4}, OutputSize: 3, DropoutRate: 0.25}
	batch := testBatch(5, cfg.InputSize)

	ctx := context.New()
	ctx.RngStateFromSeed(42)
	wantOutput := forward(t, ctx, cfg, batch)

	filePath := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Save(ctx, cfg, filePath))

	record, err := Load(filePath)
	require.NoError(t, err)
	require.Equal(t, cfg, record.Config)

	// Every stored parameter is bit-identical to the live variable.
	params := record.Parameters()
	require.Len(t, params, 6)
	for _, p := range params {
		v := ctx.InspectVariable(p.Scope, p.Name)
		require.NotNilf(t, v, "stored parameter %q has no live variable", p.Path())
		require.Truef(t, p.Value.InDelta(v.Value(), 0), "stored parameter %q differs from the live variable", p.Path())
	}

	// A model restored into a fresh context computes the exact same outputs.
	restoredCtx := context.New()
	require.NoError(t, record.Restore(restoredCtx))
	gotOutput := forward(t, restoredCtx.Reuse(), cfg, batch)
	require.True(t, wantOutput.InDelta(gotOutput, 0), "restored model should reproduce the saved model's outputs exactly")
}

func TestValidateMismatchedConfig(t *testing.T) {
	cfgA := mlp.Config{InputSize: 784, HiddenSizes: []int{128, 64}, OutputSize: 10}
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	forward(t, ctx, cfgA, testBatch(2, cfgA.InputSize))

	filePath := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Save(ctx, cfgA, filePath))
	record, err := Load(filePath)
	require.NoError(t, err)

	// Same layer count, different widths: every disagreeing parameter is
	// listed, with both shapes. The readout biases [10] happen to agree.
	cfgB := mlp.Config{InputSize: 784, HiddenSizes: []int{64, 32}, OutputSize: 10}
	err = record.Validate(cfgB)
	var mismatchErr *MismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Len(t, mismatchErr.Mismatches, 5)
	msg := err.Error()
	require.Contains(t, msg, "/model/000_hidden/dense/weights")
	require.Contains(t, msg, "/model/001_hidden/dense/biases")
	require.Contains(t, msg, "/model/readout/dense/weights")
	require.NotContains(t, msg, "/model/readout/dense/biases")
	require.Contains(t, msg, "(Float32)[784 128]")
	require.Contains(t, msg, "(Float32)[784 64]")

	// Fewer layers: the extra stored parameters are reported too.
	cfgC := mlp.Config{InputSize: 784, HiddenSizes: []int{128}, OutputSize: 10}
	err = record.Validate(cfgC)
	require.ErrorAs(t, err, &mismatchErr)
	require.Len(t, mismatchErr.Mismatches, 3)
	require.Contains(t, err.Error(), "not part of the network")

	// The matching config (with any dropout) validates.
	cfgD := cfgA
	cfgD.DropoutRate = 0.5
	require.NoError(t, record.Validate(cfgD))
}

func TestRestoreIntoMismatchedContext(t *testing.T) {
	cfgA := mlp.Config{InputSize: 20, HiddenSizes: []int{8}, OutputSize: 3}
	ctxA := context.New()
	ctxA.RngStateFromSeed(1)
	forward(t, ctxA, cfgA, testBatch(2, cfgA.InputSize))
	filePath := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Save(ctxA, cfgA, filePath))
	record, err := Load(filePath)
	require.NoError(t, err)

	// A context already holding a different architecture is rejected, and
	// nothing in it is touched.
	cfgB := mlp.Config{InputSize: 20, HiddenSizes: []int{4}, OutputSize: 3}
	ctxB := context.New()
	ctxB.RngStateFromSeed(2)
	forward(t, ctxB, cfgB, testBatch(2, cfgB.InputSize))
	before := ctxB.InspectVariable("/model/000_hidden/dense", "weights").Value().Clone()

	err = record.Restore(ctxB)
	var mismatchErr *MismatchError
	require.ErrorAs(t, err, &mismatchErr)
	after := ctxB.InspectVariable("/model/000_hidden/dense", "weights").Value()
	require.True(t, before.InDelta(after, 0), "a failed restore must not modify any variable")
}

func TestSaveValidatesConfig(t *testing.T) {
	cfgA := mlp.Config{InputSize: 20, HiddenSizes: []int{8}, OutputSize: 3}
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	forward(t, ctx, cfgA, testBatch(2, cfgA.InputSize))

	// Saving under a config that doesn't match the live variables fails, and
	// no file is left behind.
	cfgB := mlp.Config{InputSize: 20, HiddenSizes: []int{16}, OutputSize: 3}
	filePath := filepath.Join(t.TempDir(), "model.ckpt")
	err := Save(ctx, cfgB, filePath)
	var mismatchErr *MismatchError
	require.ErrorAs(t, err, &mismatchErr)
	_, statErr := os.Stat(filePath)
	require.True(t, os.IsNotExist(statErr), "failed save should not create %q", filePath)

	// An empty context has nothing to save.
	require.Error(t, Save(context.New(), cfgA, filePath))
}
