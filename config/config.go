// Package config resolves the settings of one training experiment from
// built-in defaults, an optional config file, MATNET_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/models"
	"github.com/tsawler/go-matnet/optimizer"
	"github.com/tsawler/go-matnet/training"
)

// Dataset names
const (
	DatasetFlickr = "flickr"
	DatasetMINC   = "minc"
)

// Augmentation names
const (
	AugmentNone          = "none"
	AugmentRandAugment   = "randaugment"
	AugmentAlbumentation = "albumentation"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv
const EnvPrefix = "MATNET_"

// Experiment holds every knob of a training run
type Experiment struct {
	ExpName    string `json:"exp_name" yaml:"exp_name" env:"EXP_NAME"`
	DataRoot   string `json:"data_root" yaml:"data_root" env:"DATA_ROOT"`
	ResultsDir string `json:"results_dir" yaml:"results_dir" env:"RESULTS_DIR"`
	Dataset    string `json:"dataset" yaml:"dataset" env:"DATASET"`

	BatchSize  int `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	MaxEpochs  int `json:"max_epochs" yaml:"max_epochs" env:"MAX_EPOCHS"`
	NumClasses int `json:"num_classes" yaml:"num_classes" env:"NUM_CLASSES"`
	ImageSize  int `json:"image_size" yaml:"image_size" env:"IMAGE_SIZE"`

	Model  string `json:"model" yaml:"model" env:"MODEL"`
	Freeze bool   `json:"freeze" yaml:"freeze" env:"FREEZE"`

	Augment      string  `json:"augment" yaml:"augment" env:"AUGMENT"`
	RandAugmentN int     `json:"randaugment_n" yaml:"randaugment_n" env:"RANDAUGMENT_N"`
	RandAugmentM int     `json:"randaugment_m" yaml:"randaugment_m" env:"RANDAUGMENT_M"`
	Mixup        bool    `json:"mixup" yaml:"mixup" env:"MIXUP"`
	MixupAlpha   float64 `json:"mixup_alpha" yaml:"mixup_alpha" env:"MIXUP_ALPHA"`

	Optimizer    string  `json:"optimizer" yaml:"optimizer" env:"OPTIMIZER"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" env:"LEARNING_RATE"`
	Momentum     float64 `json:"momentum" yaml:"momentum" env:"MOMENTUM"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay" env:"WEIGHT_DECAY"`
	Scheduler    string  `json:"scheduler" yaml:"scheduler" env:"SCHEDULER"`
	StepSize     int     `json:"step_size" yaml:"step_size" env:"STEP_SIZE"`
	Gamma        float64 `json:"gamma" yaml:"gamma" env:"GAMMA"`

	Workers int    `json:"workers" yaml:"workers" env:"WORKERS"`
	CacheMB int    `json:"cache_mb" yaml:"cache_mb" env:"CACHE_MB"`
	Seed    int64  `json:"seed" yaml:"seed" env:"SEED"`
	Device  string `json:"device" yaml:"device" env:"DEVICE"`

	Pretrained string `json:"pretrained" yaml:"pretrained" env:"PRETRAINED"`
	Resume     string `json:"resume" yaml:"resume" env:"RESUME"`

	MonitorAddr     string `json:"monitor_addr" yaml:"monitor_addr" env:"MONITOR_ADDR"`
	MonitorUser     string `json:"monitor_user" yaml:"monitor_user" env:"MONITOR_USER"`
	MonitorPassword string `json:"-" yaml:"monitor_password" env:"MONITOR_PASSWORD"`
	RegistryPath    string `json:"registry_path" yaml:"registry_path" env:"REGISTRY"`

	Progress bool `json:"progress" yaml:"progress" env:"PROGRESS"`
	LogEvery int  `json:"log_every" yaml:"log_every" env:"LOG_EVERY"`
	Plot     bool `json:"plot" yaml:"plot" env:"PLOT"`

	// Boolean backbone switches, resolved into Model by ResolveModel
	flags backboneFlags
}

type backboneFlags struct {
	efficientnet   bool
	googlenet      bool
	vgg19          bool
	alexnet        bool
	deepAlexnet    bool
	shallowAlexnet bool
	densenet       bool

	aug           bool
	albumentation bool
	minc          bool
}

// Default returns the settings of the reference experiment
func Default() *Experiment {
	return &Experiment{
		DataRoot:     "./FMD",
		ResultsDir:   "./results",
		Dataset:      DatasetFlickr,
		BatchSize:    32,
		MaxEpochs:    50,
		ImageSize:    224,
		Model:        "bobnet",
		Augment:      AugmentNone,
		RandAugmentN: 1,
		RandAugmentM: 9,
		MixupAlpha:   1.0,
		Optimizer:    "sgd",
		LearningRate: 0.001,
		Momentum:     0.9,
		WeightDecay:  1e-4,
		Scheduler:    "step",
		StepSize:     25,
		Gamma:        0.1,
		Workers:      1,
		CacheMB:      256,
		Seed:         1,
		Device:       "cpu",
		Progress:     true,
		LogEvery:     10,
	}
}

// LoadFile overlays a JSON or YAML file onto e. Keys absent from the file
// keep their current value.
func (e *Experiment) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, e)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, e)
	default:
		return errors.Errorf("unsupported config file %s (want .json, .yaml or .yml)", path)
	}
	return errors.Wrapf(err, "failed to parse %s", path)
}

// ApplyEnv overlays the MATNET_* environment variables that are set
func (e *Experiment) ApplyEnv() error {
	return errors.Wrap(env.ParseWithOptions(e, env.Options{Prefix: EnvPrefix}), "invalid environment")
}

// RegisterFlags binds every setting to fs with the current values as
// defaults, so flags only override what they name
func (e *Experiment) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&e.DataRoot, "data_root", e.DataRoot, "dataset root directory")
	fs.StringVar(&e.ResultsDir, "results", e.ResultsDir, "directory holding one sub-directory per experiment")
	fs.StringVar(&e.Dataset, "dataset", e.Dataset, "dataset: flickr or minc")
	fs.IntVar(&e.BatchSize, "batch_size", e.BatchSize, "batch size of the experiment")
	fs.IntVar(&e.MaxEpochs, "max_epochs", e.MaxEpochs, "number of training epochs")
	fs.IntVar(&e.NumClasses, "num_classes", e.NumClasses, "number of output classes (0 takes it from the dataset)")
	fs.IntVar(&e.ImageSize, "image_size", e.ImageSize, "square input size")
	fs.StringVar(&e.Model, "model", e.Model, "backbone: "+strings.Join(models.Names(), ", "))
	fs.BoolVar(&e.Freeze, "freeze", e.Freeze, "freeze the pretrained layers (vgg19 only)")

	fs.StringVar(&e.Augment, "augment", e.Augment, "training augmentation: none, randaugment or albumentation")
	fs.IntVar(&e.RandAugmentN, "randaugment_n", e.RandAugmentN, "RandAugment operations per image")
	fs.IntVar(&e.RandAugmentM, "randaugment_m", e.RandAugmentM, "RandAugment magnitude (0-30)")
	fs.BoolVar(&e.Mixup, "mixup", e.Mixup, "blend training samples with mixup (flickr only)")
	fs.Float64Var(&e.MixupAlpha, "mixup_alpha", e.MixupAlpha, "mixup Beta(alpha, alpha) parameter")

	fs.StringVar(&e.Optimizer, "optimizer", e.Optimizer, "optimizer: "+strings.Join(optimizer.Names(), ", "))
	fs.Float64Var(&e.LearningRate, "lr", e.LearningRate, "initial learning rate")
	fs.Float64Var(&e.Momentum, "momentum", e.Momentum, "SGD momentum")
	fs.Float64Var(&e.WeightDecay, "weight_decay", e.WeightDecay, "L2 weight decay")
	fs.StringVar(&e.Scheduler, "scheduler", e.Scheduler, "lr scheduler: "+strings.Join(training.SchedulerNames(), ", "))
	fs.IntVar(&e.StepSize, "step_size", e.StepSize, "StepLR period in epochs")
	fs.Float64Var(&e.Gamma, "gamma", e.Gamma, "StepLR decay factor")

	fs.IntVar(&e.Workers, "workers", e.Workers, "data loading workers")
	fs.IntVar(&e.CacheMB, "cache_mb", e.CacheMB, "decoded image cache size in MiB (0 disables)")
	fs.Int64Var(&e.Seed, "seed", e.Seed, "random seed")
	fs.StringVar(&e.Device, "device", e.Device, "compute device: cpu or cuda:N")
	fs.StringVar(&e.Pretrained, "pretrained", e.Pretrained, "ONNX model or checkpoint to import weights from")
	fs.StringVar(&e.Resume, "resume", e.Resume, "checkpoint to resume training from")

	fs.StringVar(&e.MonitorAddr, "monitor", e.MonitorAddr, "serve a live training monitor on this address, e.g. :8080")
	fs.StringVar(&e.MonitorUser, "monitor_user", e.MonitorUser, "monitor basic auth user")
	fs.StringVar(&e.MonitorPassword, "monitor_password", e.MonitorPassword, "monitor basic auth password")
	fs.StringVar(&e.RegistryPath, "registry", e.RegistryPath, "SQLite run registry file")
	fs.BoolVar(&e.Progress, "progress", e.Progress, "show progress bars")
	fs.IntVar(&e.LogEvery, "log_every", e.LogEvery, "iterations between loss log lines")
	fs.BoolVar(&e.Plot, "plot", e.Plot, "write loss and accuracy plots after every epoch")

	fs.BoolVar(&e.flags.efficientnet, "efficientnet", false, "use EfficientNet-B0")
	fs.BoolVar(&e.flags.googlenet, "googlenet", false, "use GoogLeNet")
	fs.BoolVar(&e.flags.vgg19, "vgg19", false, "use VGG19")
	fs.BoolVar(&e.flags.alexnet, "alexnet", false, "use AlexNet")
	fs.BoolVar(&e.flags.deepAlexnet, "deepalexnet", false, "with --alexnet: keep the 1000-way head and add a layer")
	fs.BoolVar(&e.flags.shallowAlexnet, "shallowalexnet", false, "with --alexnet: cut the classifier after index 3")
	fs.BoolVar(&e.flags.densenet, "densenet", false, "use DenseNet-121")
	fs.BoolVar(&e.flags.aug, "aug", false, "shorthand for --augment randaugment")
	fs.BoolVar(&e.flags.albumentation, "albumentation", false, "shorthand for --augment albumentation")
	fs.BoolVar(&e.flags.minc, "minc", false, "shorthand for --dataset minc")
}

// ResolveModel folds the boolean shorthands into Model, Augment and
// Dataset. Backbone switches are checked in the order efficientnet,
// googlenet, vgg19, alexnet, densenet; the first one set wins.
func (e *Experiment) ResolveModel() {
	f := e.flags
	switch {
	case f.efficientnet:
		e.Model = "efficientnet-b0"
	case f.googlenet:
		e.Model = "googlenet"
	case f.vgg19:
		e.Model = "vgg19"
	case f.alexnet:
		switch {
		case f.deepAlexnet:
			e.Model = "deepalexnet"
		case f.shallowAlexnet:
			e.Model = "shallowalexnet"
		default:
			e.Model = "alexnet"
		}
	case f.densenet:
		e.Model = "densenet121"
	}

	if f.aug {
		e.Augment = AugmentRandAugment
	} else if f.albumentation {
		e.Augment = AugmentAlbumentation
	}
	if f.minc {
		e.Dataset = DatasetMINC
	}
}

// Validate checks the settings and normalizes names. Options that do not
// apply to the chosen model or dataset are switched off with a warning.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.ExpName) == "" {
		return errors.New("experiment name is required")
	}
	if strings.ContainsAny(e.ExpName, `/\`) {
		return errors.Errorf("experiment name %q must not contain path separators", e.ExpName)
	}
	if e.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", e.BatchSize)
	}
	if e.MaxEpochs <= 0 {
		return errors.Errorf("max epochs must be positive, got %d", e.MaxEpochs)
	}
	if e.NumClasses != 0 && e.NumClasses < 2 {
		return errors.Errorf("need at least 2 classes, got %d", e.NumClasses)
	}
	if e.ImageSize < 32 {
		return errors.Errorf("image size %d is too small", e.ImageSize)
	}
	if e.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", e.LearningRate)
	}

	model, err := models.Canonical(e.Model)
	if err != nil {
		return err
	}
	e.Model = model

	e.Dataset = strings.ToLower(e.Dataset)
	if e.Dataset != DatasetFlickr && e.Dataset != DatasetMINC {
		return errors.Errorf("unknown dataset %q (available: flickr, minc)", e.Dataset)
	}

	e.Augment = strings.ToLower(e.Augment)
	switch e.Augment {
	case "":
		e.Augment = AugmentNone
	case AugmentNone, AugmentRandAugment, AugmentAlbumentation:
	default:
		return errors.Errorf("unknown augmentation %q (available: none, randaugment, albumentation)", e.Augment)
	}

	if _, err := training.NewScheduler(e.Scheduler, e.StepSize, e.Gamma, e.MaxEpochs); err != nil {
		return err
	}
	e.Optimizer = strings.ToLower(e.Optimizer)
	if !contains(optimizer.Names(), e.Optimizer) {
		return errors.Errorf("unknown optimizer %q (available: %s)", e.Optimizer, strings.Join(optimizer.Names(), ", "))
	}

	if e.Freeze {
		if d, _ := models.Describe(e.Model); !d.Freezable {
			klog.Warningf("--freeze only applies to vgg19, ignored for %s", e.Model)
			e.Freeze = false
		}
	}
	if e.Mixup && e.Dataset != DatasetFlickr {
		klog.Warningf("mixup is only supported on the flickr dataset, ignored for %s", e.Dataset)
		e.Mixup = false
	}
	e.Workers = max(e.Workers, 1)
	e.CacheMB = max(e.CacheMB, 0)
	if e.LogEvery <= 0 {
		e.LogEvery = 10
	}
	return nil
}

// ResolveNumClasses fills an unset class count from the dataset and
// rejects an explicit one that disagrees with it
func (e *Experiment) ResolveNumClasses(datasetClasses int) error {
	if e.NumClasses == 0 {
		e.NumClasses = datasetClasses
		return nil
	}
	if e.NumClasses != datasetClasses {
		return errors.Errorf("dataset has %d classes, --num_classes is %d", datasetClasses, e.NumClasses)
	}
	return nil
}

// ExperimentDir returns the directory holding checkpoints and history
func (e *Experiment) ExperimentDir() string {
	return filepath.Join(e.ResultsDir, e.ExpName)
}

// JSON returns the settings without secrets, for run records
func (e *Experiment) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
