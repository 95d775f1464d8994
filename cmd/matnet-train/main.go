// Command matnet-train trains a material classifier on the Flickr Material
// Database or MINC-2500.
//
//	matnet-train [flags] <exp_name>
//
// Settings are read from built-in defaults, then --config (JSON or YAML),
// then MATNET_* environment variables, then flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/config"
	"github.com/tsawler/go-matnet/device"
	"github.com/tsawler/go-matnet/engine"
	"github.com/tsawler/go-matnet/models"
	"github.com/tsawler/go-matnet/monitor"
	"github.com/tsawler/go-matnet/optimizer"
	"github.com/tsawler/go-matnet/store"
	"github.com/tsawler/go-matnet/training"
	"github.com/tsawler/go-matnet/vision/augment"
	"github.com/tsawler/go-matnet/vision/dataloader"
	"github.com/tsawler/go-matnet/vision/dataset"
	"github.com/tsawler/go-matnet/vision/preprocessing"
)

type options struct {
	configFile string
	listModels bool
	listRuns   int
	exportONNX string
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cfg := config.Default()
	var opts options
	if path := configFlag(os.Args[1:]); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			klog.Fatalf("%v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		klog.Fatalf("%v", err)
	}

	flag.StringVar(&opts.configFile, "config", "", "JSON or YAML experiment file")
	flag.BoolVar(&opts.listModels, "list-models", false, "print the available backbones and exit")
	flag.IntVar(&opts.listRuns, "list-runs", 0, "print the N best runs of --registry and exit")
	flag.StringVar(&opts.exportONNX, "export-onnx", "", "write the best model as ONNX to this path when training ends")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Usage = usage
	flag.Parse()
	// flags may follow the experiment name
	if flag.NArg() > 0 {
		cfg.ExpName = flag.Arg(0)
		if err := flag.CommandLine.Parse(flag.Args()[1:]); err != nil {
			klog.Fatalf("%v", err)
		}
		if flag.NArg() > 0 {
			klog.Fatalf("unexpected arguments: %s", strings.Join(flag.Args(), " "))
		}
	}
	cfg.ResolveModel()

	switch {
	case opts.listModels:
		listModels()
		return
	case opts.listRuns > 0:
		if err := listRuns(cfg.RegistryPath, opts.listRuns); err != nil {
			klog.Fatalf("%v", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		flag.Usage()
		klog.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts); err != nil {
		klog.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <exp_name>\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

// configFlag finds --config before the flag set exists, so the file can
// provide the defaults the remaining flags override
func configFlag(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func listModels() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tALIASES\tFREEZE\tDESCRIPTION")
	for _, d := range models.Variants() {
		freeze := ""
		if d.Freezable {
			freeze = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, strings.Join(d.Aliases, ","), freeze, d.Description)
	}
	w.Flush()
}

func listRuns(path string, limit int) error {
	if path == "" {
		return errors.New("--list-runs needs --registry")
	}
	reg, err := store.Open(path)
	if err != nil {
		return err
	}
	defer reg.Close()

	runs, err := reg.BestRuns(context.Background(), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tEXPERIMENT\tMODEL\tDATASET\tBEST ACC\tSTARTED\tFINISHED")
	for _, r := range runs {
		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f%%\t%s\t%s\n",
			r.ID, r.Experiment, r.Model, r.Dataset, r.BestAcc, r.StartedAt.Format(time.DateTime), finished)
	}
	return w.Flush()
}

func run(ctx context.Context, cfg *config.Experiment, opts options) error {
	dev, err := device.Detect(cfg.Device)
	if err != nil {
		return err
	}
	klog.Infof("Device %s", dev)

	dir := cfg.ExperimentDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create experiment directory")
	}

	trainSet, valSet, err := loadDatasets(cfg)
	if err != nil {
		return err
	}
	klog.Infof("%s: %d training and %d validation images, %d classes",
		cfg.Dataset, trainSet.Len(), valSet.Len(), trainSet.NumClasses())
	if err := cfg.ResolveNumClasses(trainSet.NumClasses()); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfg.JSON(), 0644); err != nil {
		return errors.Wrap(err, "failed to record configuration")
	}

	trainLoader, valLoader, cache, err := buildLoaders(cfg, trainSet, valSet)
	if err != nil {
		return err
	}

	backbone, err := models.Build(cfg.Model, models.Options{
		NumClasses: cfg.NumClasses,
		ImageSize:  cfg.ImageSize,
		BatchSize:  cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	if cfg.Freeze {
		n, err := models.Freeze(backbone)
		if err != nil {
			return err
		}
		klog.Infof("Froze %d layers of %s", n, backbone.Name)
	}

	params, err := engine.NewParameterStore(backbone.Spec, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	switch {
	case cfg.Pretrained != "":
		if _, err := backbone.LoadPretrained(params, cfg.Pretrained); err != nil {
			return err
		}
	case backbone.Name != "bobnet" && cfg.Resume == "":
		klog.Warningf("%s is trained from scratch, pass --pretrained to start from ImageNet weights", backbone.Name)
	}

	trainer, err := training.NewModelTrainer(backbone.Spec, params, training.TrainerConfig{
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Optimizer: optimizer.Config{
			Type:         cfg.Optimizer,
			LearningRate: float32(cfg.LearningRate),
			Momentum:     float32(cfg.Momentum),
			WeightDecay:  float32(cfg.WeightDecay),
		},
	})
	if err != nil {
		return err
	}
	defer trainer.Cleanup()
	if klog.V(1).Enabled() {
		trainer.PrintModelArchitecture(os.Stderr, backbone.Name)
	}
	klog.Info(trainer.GetModelSummary())

	scheduler, err := training.NewScheduler(cfg.Scheduler, cfg.StepSize, cfg.Gamma, cfg.MaxEpochs)
	if err != nil {
		return err
	}

	sessionCfg := training.SessionConfig{
		Experiment: cfg.ExpName,
		ModelName:  backbone.Name,
		Dataset:    cfg.Dataset,
		Dir:        dir,
		Epochs:     cfg.MaxEpochs,
		BaseLR:     cfg.LearningRate,
		LogEvery:   cfg.LogEvery,
		ClassNames: trainSet.ClassNames(),
		Plot:       cfg.Plot,
		ConfigJSON: cfg.JSON(),
	}
	if cfg.Progress {
		sessionCfg.Progress = os.Stdout
	}
	session, err := training.NewSession(trainer, trainLoader, valLoader, scheduler, sessionCfg)
	if err != nil {
		return err
	}
	if cfg.Resume != "" {
		if err := session.Resume(cfg.Resume); err != nil {
			return err
		}
	}

	if cfg.RegistryPath != "" {
		reg, err := store.Open(cfg.RegistryPath)
		if err != nil {
			return err
		}
		defer reg.Close()
		session.AddObserver(reg)
	}
	if cfg.MonitorAddr != "" {
		mon := monitor.New(monitor.Config{Addr: cfg.MonitorAddr, User: cfg.MonitorUser, Password: cfg.MonitorPassword})
		mon.SetHistory(session.History())
		if _, err := mon.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Shutdown(shutdownCtx)
		}()
		session.AddObserver(mon)
	}

	summary, err := session.Run(ctx)
	if cache != nil {
		klog.Infof("Image cache: %s", cache.Stats())
	}
	if skipped := trainLoader.Skipped() + valLoader.Skipped(); skipped > 0 {
		klog.Warningf("%d images could not be loaded and were skipped", skipped)
	}
	if err != nil {
		if ctx.Err() != nil {
			klog.Warningf("Interrupted after %d epochs; resume with --resume %s", summary.EpochsCompleted, summary.LatestCheckpoint)
			return nil
		}
		return err
	}

	fmt.Printf("Best validation accuracy: %.2f%%\n", summary.BestAccuracy)
	fmt.Printf("Best checkpoint:   %s\n", summary.BestCheckpoint)
	fmt.Printf("Latest checkpoint: %s\n", summary.LatestCheckpoint)
	fmt.Printf("History:           %s\n", summary.HistoryPath)

	if opts.exportONNX != "" {
		if err := session.Checkpoints().ExportBestONNX(opts.exportONNX); err != nil {
			return err
		}
		fmt.Printf("ONNX model:        %s\n", opts.exportONNX)
	}
	return nil
}

func loadDatasets(cfg *config.Experiment) (train, val *dataset.ImageFolderDataset, err error) {
	load := dataset.NewFlickr
	if cfg.Dataset == config.DatasetMINC {
		load = dataset.NewMINC
	}
	if train, err = load(cfg.DataRoot, dataset.Train, cfg.Seed); err != nil {
		return nil, nil, err
	}
	if val, err = load(cfg.DataRoot, dataset.Val, cfg.Seed); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

func trainPipeline(cfg *config.Experiment) *preprocessing.Pipeline {
	switch cfg.Augment {
	case config.AugmentRandAugment:
		return preprocessing.NewPipeline(cfg.ImageSize, augment.NewRandAugment(cfg.RandAugmentN, cfg.RandAugmentM))
	case config.AugmentAlbumentation:
		return preprocessing.NewPipeline(cfg.ImageSize, augment.Albumentation()...)
	}
	return preprocessing.NewPipeline(cfg.ImageSize)
}

func buildLoaders(cfg *config.Experiment, trainSet, valSet *dataset.ImageFolderDataset) (train, val *dataloader.DataLoader, cache *dataloader.Cache, err error) {
	if cfg.CacheMB > 0 {
		cache = dataloader.NewCache(cfg.CacheMB << 20)
	}
	pipeline := trainPipeline(cfg)
	klog.Infof("Training pipeline: %s", pipeline)

	var trainData dataset.Dataset = dataset.NewImageDataset(trainSet, dataloader.NewImageLoader(pipeline, cache))
	if cfg.Mixup {
		trainData = dataset.NewMixup(trainData, cfg.MixupAlpha)
	}
	valData := dataset.NewImageDataset(valSet, dataloader.NewImageLoader(preprocessing.NewPipeline(cfg.ImageSize), cache))

	train, err = dataloader.NewDataLoader(trainData, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		DropLast:  true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	val, err = dataloader.NewDataLoader(valData, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed + 1,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return train, val, cache, nil
}
