// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists a trained mlp classifier to a single file and
// restores it later.
//
// A checkpoint record holds the network Config and a snapshot of every
// trainable parameter under the model scope. The Config is the source of
// truth: both Save and Restore validate the parameter shapes against the
// shapes the Config implies, and any disagreement fails with a MismatchError
// listing every offending parameter and the two conflicting shapes, before a
// single value is copied.
//
// The file format is a gob stream: a versioned header (Config plus a manifest
// of parameter names and shapes), followed by the parameter tensors in
// manifest order.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/mlharness/fnnclassifier/mlp"
)

// FormatVersion is written to every checkpoint file. Readers reject versions
// they don't know.
const FormatVersion = 1

// FilePermMode is the permission (before umask) used for checkpoint files.
var FilePermMode = os.FileMode(0660)

// Param is one parameter entry of a checkpoint record.
type Param struct {
	// Scope of the variable, e.g. "/model/000_hidden/dense".
	Scope string

	// Name of the variable within the scope, e.g. "weights".
	Name string

	// Value snapshot.
	Value *tensors.Tensor
}

// Path is the absolute variable path, used as key in shape maps and error messages.
func (p Param) Path() string { return p.Scope + "/" + p.Name }

// header is the gob-encoded file header, preceding the tensors.
type header struct {
	Version    int
	Config     mlp.Config
	GlobalStep int64
	Params     []paramInfo
}

type paramInfo struct {
	Scope, Name string
	DType       dtypes.DType
	Dimensions  []int
}

func (pi paramInfo) shape() shapes.Shape {
	return shapes.Make(pi.DType, pi.Dimensions...)
}

// Record is a decoded checkpoint: the network configuration and the parameter
// values saved with it.
type Record struct {
	// Config the network was built with.
	Config mlp.Config

	// GlobalStep of the training session at save time, so a resumed session
	// continues counting from where it stopped.
	GlobalStep int64

	params []Param
}

// Parameters returns the stored parameter entries, sorted by path.
func (r *Record) Parameters() []Param {
	return append([]Param{}, r.params...)
}

// dtype of the stored parameters.
func (r *Record) dtype() dtypes.DType {
	if len(r.params) == 0 {
		return dtypes.Float32
	}
	return r.params[0].Value.Shape().DType
}

// Mismatch describes one parameter whose stored shape disagrees with the shape
// the network configuration implies. An empty Stored means the parameter is
// missing from the checkpoint; an empty Want means the checkpoint carries a
// parameter the network doesn't have.
type Mismatch struct {
	Param  string
	Stored string
	Want   string
}

// MismatchError reports every parameter that disagrees between a checkpoint
// and a network configuration. It never reports a partial list: validation
// always inspects all parameters before failing.
type MismatchError struct {
	Mismatches []Mismatch
}

// Error implements the error interface, naming every mismatched parameter and
// its two shapes.
func (e *MismatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "checkpoint incompatible with network configuration, %d parameter(s) disagree:", len(e.Mismatches))
	for _, m := range e.Mismatches {
		switch {
		case m.Stored == "":
			fmt.Fprintf(&sb, "\n\t%s: missing from checkpoint, network wants %s", m.Param, m.Want)
		case m.Want == "":
			fmt.Fprintf(&sb, "\n\t%s: stored with shape %s, but not part of the network", m.Param, m.Stored)
		default:
			fmt.Fprintf(&sb, "\n\t%s: stored with shape %s, network wants %s", m.Param, m.Stored, m.Want)
		}
	}
	return sb.String()
}

// diffShapes compares two parameter shape maps and returns a MismatchError
// listing every difference, or nil if they agree exactly.
func diffShapes(stored, want map[string]shapes.Shape) error {
	var mismatches []Mismatch
	for path, storedShape := range stored {
		wantShape, found := want[path]
		if !found {
			mismatches = append(mismatches, Mismatch{Param: path, Stored: storedShape.String()})
		} else if !storedShape.Equal(wantShape) {
			mismatches = append(mismatches, Mismatch{Param: path, Stored: storedShape.String(), Want: wantShape.String()})
		}
	}
	for path, wantShape := range want {
		if _, found := stored[path]; !found {
			mismatches = append(mismatches, Mismatch{Param: path, Want: wantShape.String()})
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Param < mismatches[j].Param })
	return &MismatchError{Mismatches: mismatches}
}

// modelVariables returns the trainable variables under the model scope, sorted
// by path.
func modelVariables(ctx *context.Context) []*context.Variable {
	prefix := "/" + mlp.ModelScope + "/"
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && strings.HasPrefix(v.Scope()+"/", prefix) {
			vars = append(vars, v)
		}
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].Scope()+"/"+vars[i].Name() < vars[j].Scope()+"/"+vars[j].Name()
	})
	return vars
}

// Save writes a checkpoint of the model variables in ctx, built with cfg, to
// filePath. The file is written atomically (temporary file plus rename), and a
// snapshot that disagrees with cfg's implied shapes is rejected with a
// MismatchError: it is not possible to write an inconsistent checkpoint.
func Save(ctx *context.Context, cfg mlp.Config, filePath string) error {
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(err, "checkpoint.Save")
	}
	vars := modelVariables(ctx)
	if len(vars) == 0 {
		return errors.Errorf("checkpoint.Save: no trainable variables under scope %q -- was the model built?", "/"+mlp.ModelScope)
	}

	storedShapes := make(map[string]shapes.Shape, len(vars))
	for _, v := range vars {
		storedShapes[v.Scope()+"/"+v.Name()] = v.Shape()
	}
	dtype := vars[0].Shape().DType
	if err := diffShapes(storedShapes, cfg.ParameterShapes(dtype)); err != nil {
		return err
	}

	hdr := header{Version: FormatVersion, Config: cfg, GlobalStep: optimizers.GetGlobalStep(ctx)}
	for _, v := range vars {
		hdr.Params = append(hdr.Params, paramInfo{
			Scope:      v.Scope(),
			Name:       v.Name(),
			DType:      v.Shape().DType,
			Dimensions: v.Shape().Dimensions,
		})
	}

	dir := filepath.Dir(filePath)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "checkpoint.Save: creating temporary file in %q", dir)
	}
	tmpPath := tmpFile.Name()
	removeTmp := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	w := bufio.NewWriter(tmpFile)
	enc := gob.NewEncoder(w)
	if err = enc.Encode(hdr); err != nil {
		removeTmp()
		return errors.Wrap(err, "checkpoint.Save: encoding header")
	}
	for _, v := range vars {
		if err = v.Value().GobSerialize(enc); err != nil {
			removeTmp()
			return errors.Wrapf(err, "checkpoint.Save: encoding parameter %q", v.Scope()+"/"+v.Name())
		}
	}
	if err = w.Flush(); err != nil {
		removeTmp()
		return errors.Wrap(err, "checkpoint.Save: flushing")
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "checkpoint.Save: closing %q", tmpPath)
	}
	if err = os.Chmod(tmpPath, FilePermMode); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "checkpoint.Save: chmod %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "checkpoint.Save: renaming to %q", filePath)
	}
	return nil
}

// Load reads a checkpoint file into a Record. It only decodes and structurally
// checks the file; use Record.Validate or Record.Restore to match it against a
// network.
func Load(filePath string) (*Record, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint.Load: opening %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(bufio.NewReader(f))
	var hdr header
	if err = dec.Decode(&hdr); err != nil {
		return nil, errors.Wrapf(err, "checkpoint.Load: decoding header of %q", filePath)
	}
	if hdr.Version != FormatVersion {
		return nil, errors.Errorf("checkpoint.Load: %q has format version %d, this build reads version %d",
			filePath, hdr.Version, FormatVersion)
	}
	if err = hdr.Config.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint.Load: invalid configuration stored in %q", filePath)
	}

	r := &Record{Config: hdr.Config, GlobalStep: hdr.GlobalStep}
	for _, pi := range hdr.Params {
		var t *tensors.Tensor
		t, err = tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint.Load: decoding parameter %q of %q", pi.Scope+"/"+pi.Name, filePath)
		}
		if !t.Shape().Equal(pi.shape()) {
			return nil, errors.Errorf("checkpoint.Load: parameter %q decoded with shape %s, manifest says %s -- file %q is corrupt",
				pi.Scope+"/"+pi.Name, t.Shape(), pi.shape(), filePath)
		}
		r.params = append(r.params, Param{Scope: pi.Scope, Name: pi.Name, Value: t})
	}

	// The stored parameters must agree with the stored configuration.
	if err = r.Validate(r.Config); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint.Load: %q disagrees with its own configuration", filePath)
	}
	return r, nil
}

// Validate checks the record against cfg: every parameter cfg implies must be
// stored with exactly the implied shape, and nothing else may be stored.
// Configuration equality (on the fields that determine parameter shapes) is the
// compatibility contract; on failure it returns a MismatchError naming every
// mismatched parameter and its two shapes.
func (r *Record) Validate(cfg mlp.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	stored := make(map[string]shapes.Shape, len(r.params))
	for _, p := range r.params {
		stored[p.Path()] = p.Value.Shape()
	}
	return diffShapes(stored, cfg.ParameterShapes(r.dtype()))
}

// Restore copies the record's parameter values into ctx, creating the model
// variables if they don't exist yet, and restores the saved global step so a
// training session resumes counting where the saved one stopped.
//
// If ctx already holds model variables, all
// their shapes are validated first and nothing is copied unless every one of
// them matches; the error then names every mismatched parameter and the two
// shapes, exactly like Validate.
func (r *Record) Restore(ctx *context.Context) error {
	// Validate against whatever already exists before mutating anything.
	var mismatches []Mismatch
	for _, p := range r.params {
		v := ctx.InspectVariable(p.Scope, p.Name)
		if v == nil {
			continue
		}
		if !v.Shape().Equal(p.Value.Shape()) {
			mismatches = append(mismatches, Mismatch{
				Param:  p.Path(),
				Stored: p.Value.Shape().String(),
				Want:   v.Shape().String(),
			})
		}
	}
	if len(mismatches) > 0 {
		sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Param < mismatches[j].Param })
		return &MismatchError{Mismatches: mismatches}
	}

	for _, p := range r.params {
		if v := ctx.InspectVariable(p.Scope, p.Name); v != nil {
			v.SetValue(p.Value)
			continue
		}
		ctx.InAbsPath(p.Scope).Checked(false).VariableWithValue(p.Name, p.Value)
	}
	if r.GlobalStep > 0 {
		optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromAnyValue(r.GlobalStep))
	}
	return nil
}
