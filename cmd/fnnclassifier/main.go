// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// fnnclassifier trains a feed-forward classifier on MNIST or FashionMNIST and
// classifies individual images with a trained checkpoint.
//
//  1. `fnnclassifier -download`: download and unpack the dataset only.
//  2. `fnnclassifier -train -checkpoint=model.ckpt`: train, reporting
//     validation metrics as it goes, and checkpoint the model.
//  3. `fnnclassifier -classify=digit.png -checkpoint=model.ckpt`: classify one
//     image file with a previously trained model.
//
// Hyperparameters can be set with -set, e.g.
// `-set="hidden_layers=256,128;dropout_rate=0.5;train_steps=5000"`.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	fnnclassifier "github.com/mlharness/fnnclassifier"
	"github.com/mlharness/fnnclassifier/mnist"

	_ "github.com/gomlx/gomlx/backends/default"
	_ "image/jpeg"
	_ "image/png"
)

var (
	flagDownload   = flag.Bool("download", false, "Download and unpack the dataset, without training.")
	flagTrain      = flag.Bool("train", false, "Train the model.")
	flagClassify   = flag.String("classify", "", "Image file to classify with the checkpointed model.")
	flagDataset    = flag.String("dataset", "mnist", "Dataset to use: \"mnist\" or \"fashion\".")
	flagDataDir    = flag.String("data", "~/tmp/fnnclassifier", "Directory to cache the downloaded dataset.")
	flagCheckpoint = flag.String("checkpoint", "", "File to save the trained model to, and to load it from.")
)

func main() {
	ctx := fnnclassifier.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	source := must.M1(mnist.SourceFromName(*flagDataset))
	err := exceptions.TryCatch[error](func() {
		_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

		if *flagDownload && !*flagTrain {
			must.M(mnist.Download(source, *flagDataDir))
			klog.Infof("%s downloaded to %s", source, *flagDataDir)
		}
		if *flagTrain {
			fnnclassifier.TrainModel(ctx, *flagDataDir, source, *flagCheckpoint)
		}
		if *flagClassify != "" {
			classify(source, *flagCheckpoint, *flagClassify)
		}
		if !*flagDownload && !*flagTrain && *flagClassify == "" {
			klog.Info("exit: usage -download, -train and/or -classify=<image>, optional -data, -dataset, -checkpoint")
		}
	})
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

func classify(source mnist.Source, checkpointPath, imagePath string) {
	if checkpointPath == "" {
		exceptions.Panicf("-classify requires -checkpoint with a trained model")
	}
	f := must.M1(os.Open(imagePath))
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		exceptions.Panicf("decoding image %q: %v", imagePath, err)
	}

	classifier := must.M1(fnnclassifier.NewClassifier(checkpointPath))
	klog.V(1).Infof("Loaded %s from %q", classifier.Config(), checkpointPath)
	class := must.M1(classifier.Classify(img))
	fmt.Printf("%s: class %d (%s)\n", imagePath, class, source.ClassNames()[class])
}
