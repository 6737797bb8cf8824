// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST and FashionMNIST databases of 28x28 grayscale
// images, and exposes them as train.Dataset implementations that yield
// normalized image batches shaped `[batch_size, 28, 28, 1]` and sparse labels
// shaped `[batch_size, 1]`.
//
// Both databases use the same IDX file format, they only differ in download
// location and class names.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/exp/constraints"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// Width and Height of every image, in pixels.
	Width  = 28
	Height = 28

	// FlatImageSize is the size of one image flattened to a vector.
	FlatImageSize = Width * Height

	// NumClasses in both databases.
	NumClasses = 10

	// MaxPixelValue of the 8-bit grayscale pixels. Pixels are scaled by it
	// when converted to tensors.
	MaxPixelValue = 255

	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Source selects which database to use.
type Source int

const (
	// MNIST is the classic handwritten digits database.
	MNIST Source = iota

	// FashionMNIST is Zalando's drop-in replacement with clothing items.
	FashionMNIST
)

// SourceFromName parses a Source from its name. It accepts "mnist",
// "fashion-mnist" and the shorthand "fashion".
func SourceFromName(name string) (Source, error) {
	switch name {
	case "mnist":
		return MNIST, nil
	case "fashion", "fashion-mnist":
		return FashionMNIST, nil
	}
	return 0, errors.Errorf("unknown dataset %q, available: \"mnist\", \"fashion\"", name)
}

// String implements fmt.Stringer, and doubles as the subdirectory name under
// the data directory.
func (s Source) String() string {
	if s == FashionMNIST {
		return "fashion-mnist"
	}
	return "mnist"
}

func (s Source) downloadURL() string {
	if s == FashionMNIST {
		return "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com"
	}
	return "https://storage.googleapis.com/cvdf-datasets/mnist"
}

// ClassNames returns the human-readable name of each of the 10 classes.
func (s Source) ClassNames() []string {
	if s == FashionMNIST {
		return []string{"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
			"Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot"}
	}
	return []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
}

// dir is the directory under baseDir holding the source's files.
func (s Source) dir(baseDir string) string {
	return path.Join(data.ReplaceTildeInDir(baseDir), s.String())
}

var splitFiles = map[string][2]string{
	"train": {trainImagesFilename, trainLabelsFilename},
	"test":  {testImagesFilename, testLabelsFilename},
}

// Download fetches the source's 4 files (train/test images and labels) into
// baseDir, if not already there.
func Download(source Source, baseDir string) error {
	dir := source.dir(baseDir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, _ := url.JoinPath(source.downloadURL(), file)
		if err := data.DownloadIfMissing(fileURL, path.Join(dir, file), ""); err != nil {
			return errors.WithMessagef(err, "downloading %q", fileURL)
		}
	}
	return nil
}

// Image is one 28x28 grayscale image: 0 is black (background), 255 is white.
// It implements image.Image.
type Image [FlatImageSize]byte

var _ image.Image = &Image{}

// ColorModel implements the image.Image interface.
func (img *Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements the image.Image interface.
func (img *Image) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements the image.Image interface.
func (img *Image) At(x, y int) color.Color { return color.Gray{Y: img[y*Width+x]} }

// Set modifies the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) { img[y*Width+x] = v }

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// loadImageFile parses a gzipped IDX3 image file.
func loadImageFile(filename string) ([]Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q is not a %dx%d IDX image file (magic=%#x, width=%d, height=%d)",
			filename, Width, Height, header.Magic, header.Width, header.Height)
	}

	images := make([]Image, header.NumImages)
	for ii := range images {
		if err = binary.Read(reader, binary.BigEndian, &images[ii]); err != nil {
			return nil, errors.Wrapf(err, "reading image #%d of %q", ii, filename)
		}
	}
	return images, nil
}

// loadLabelFile parses a gzipped IDX1 label file.
func loadLabelFile(filename string) ([]int32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not an IDX label file (magic=%#x)", filename, header.Magic)
	}

	labels := make([]int32, header.NumLabels)
	for ii := range labels {
		var label int8
		if err = binary.Read(reader, binary.BigEndian, &label); err != nil {
			return nil, errors.Wrapf(err, "reading label #%d of %q", ii, filename)
		}
		labels[ii] = int32(label)
	}
	return labels, nil
}

// Dataset implements train.Dataset over the images of one split ("train" or
// "test") of a Source, so it can be used by a train.Loop to train or evaluate.
// It also offers access to the images themselves (as image.Image) for sampling.
type Dataset struct {
	name      string
	source    Source
	batchSize int
	dtype     dtypes.DType

	images []Image
	labels []int32

	mu       sync.Mutex
	shuffle  *rand.Rand
	indices  []int
	position int
	infinite bool
}

var _ train.Dataset = &Dataset{}

// NewDataset loads the given split ("train" or "test") of a source from
// baseDir. If shuffle is non-nil, examples are reshuffled at every pass.
// dtype selects the dtype of the yielded image batches, Float32 or Float64.
func NewDataset(name, baseDir string, source Source, split string, batchSize int, shuffle *rand.Rand, dtype dtypes.DType) (*Dataset, error) {
	files, found := splitFiles[split]
	if !found {
		return nil, errors.Errorf("unknown split %q, available: \"train\", \"test\"", split)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("dataset dtype must be Float32 or Float64, got %s", dtype)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	dir := source.dir(baseDir)
	images, err := loadImageFile(path.Join(dir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelFile(path.Join(dir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("%s/%s has %d images but %d labels", source, split, len(images), len(labels))
	}

	ds := &Dataset{
		name:      name,
		source:    source,
		batchSize: batchSize,
		dtype:     dtype,
		images:    images,
		labels:    labels,
		shuffle:   shuffle,
	}
	ds.resetLocked()
	return ds, nil
}

// Copy returns a Dataset sharing the loaded images and labels, but with its
// own iteration state, so it can be yielded from independently.
func (ds *Dataset) Copy() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	newDS := &Dataset{
		name:      ds.name,
		source:    ds.source,
		batchSize: ds.batchSize,
		dtype:     ds.dtype,
		images:    ds.images,
		labels:    ds.labels,
		infinite:  ds.infinite,
	}
	if ds.shuffle != nil {
		newDS.shuffle = rand.New(rand.NewSource(ds.shuffle.Int63()))
	}
	newDS.resetLocked()
	return newDS
}

// Infinite sets whether the dataset loops forever, reshuffling at every pass
// and never returning io.EOF. It returns the dataset for chaining.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// BatchSize changes the batch size. It returns the dataset for chaining.
func (ds *Dataset) BatchSize(batchSize int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.batchSize = batchSize
	return ds
}

// Source the dataset reads from.
func (ds *Dataset) Source() Source { return ds.source }

// NumExamples in the split.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset from scratch,
// reshuffling if a shuffle was configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.indices == nil {
		ds.indices = make([]int, len(ds.images))
	}
	if ds.shuffle != nil {
		copy(ds.indices, ds.shuffle.Perm(len(ds.images)))
	} else {
		for ii := range ds.indices {
			ds.indices[ii] = ii
		}
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the dataset itself, not used by the models.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, Height, Width, 1]`, with values scaled to [0, 1].
//   - labels: one tensor with the sparse labels, shaped `[batch_size, 1]`.
//
// The final batch of a pass may be smaller than the batch size. Once a pass is
// exhausted it returns io.EOF (and needs a Reset), unless Infinite(true) was
// set, in which case it restarts -- reshuffling if configured -- and never
// returns io.EOF.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.position >= len(ds.indices) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.resetLocked()
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.indices))
	ds.position = end
	batch := ds.indices[start:end]

	var imagesT *tensors.Tensor
	switch ds.dtype {
	case dtypes.Float64:
		imagesT = batchToTensor[float64](ds.images, batch)
	default:
		imagesT = batchToTensor[float32](ds.images, batch)
	}
	labelsT := tensors.FromFlatDataAndDimensions(Select(ds.labels, batch), len(batch), 1)
	return ds, []*tensors.Tensor{imagesT}, []*tensors.Tensor{labelsT}, nil
}

// batchToTensor builds the `[batch_size, Height, Width, 1]` tensor for the
// selected images, scaling bytes to [0, 1].
func batchToTensor[T float32 | float64](images []Image, indices []int) *tensors.Tensor {
	flat := make([]T, len(indices)*FlatImageSize)
	for ii, idx := range indices {
		base := ii * FlatImageSize
		for p, v := range images[idx] {
			flat[base+p] = T(v) / MaxPixelValue
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(indices), Height, Width, 1)
}

// Select returns the items at the given indices, in order.
func Select[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, idx := range indices {
		if int(idx) < len(items) {
			selected = append(selected, items[idx])
		}
	}
	return selected
}

// DatasetsConfiguration holds the parameters used by CreateDatasets.
type DatasetsConfiguration struct {
	// DataDir, where downloaded data is stored.
	DataDir string

	// BatchSize for training and EvalBatchSize for evaluation batches.
	BatchSize, EvalBatchSize int

	// FiniteTrain makes the training dataset a single shuffled pass (for
	// epoch-driven loops) instead of an infinite stream (for step-driven ones).
	FiniteTrain bool

	// UseParallelism wraps the datasets with buffered parallel prefetching.
	UseParallelism bool

	// BufferSize used for data.CustomParallel, per dataset.
	BufferSize int

	// Dtype of the image batches.
	Dtype dtypes.DType
}

// CreateDatasets builds the three datasets used by a training session: the
// shuffled training dataset (infinite, or one pass per epoch if
// config.FiniteTrain), and the finite train-eval and validation-eval datasets.
// It panics on error, the way it is used at the start of a training run.
func CreateDatasets(config *DatasetsConfiguration, source Source) (trainDS, trainEvalDS, validationEvalDS train.Dataset) {
	shuffle := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))

	baseTrain, err := NewDataset("train", config.DataDir, source, "train", config.BatchSize, shuffle, config.Dtype)
	if err != nil {
		exceptions.Panicf("creating %s train dataset: %v", source, err)
	}
	trainDS = baseTrain.Infinite(!config.FiniteTrain)
	trainEvalDS = baseTrain.Copy().Infinite(false).BatchSize(config.EvalBatchSize).SetName("train-eval")

	validationEval, err := NewDataset("valid-eval", config.DataDir, source, "test", config.EvalBatchSize, nil, config.Dtype)
	if err != nil {
		exceptions.Panicf("creating %s test dataset: %v", source, err)
	}
	validationEvalDS = validationEval

	if config.UseParallelism {
		trainDS = data.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
		trainEvalDS = data.CustomParallel(trainEvalDS).Buffer(config.BufferSize).Start()
		validationEvalDS = data.CustomParallel(validationEvalDS).Buffer(config.BufferSize).Start()
	}
	return
}

// SetName renames the dataset. It returns the dataset for chaining.
func (ds *Dataset) SetName(name string) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.name = name
	return ds
}
