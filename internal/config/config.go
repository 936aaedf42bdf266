package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config captures the runtime knobs for a fine-tuning run.
type Config struct {
	TrainFile    string   `toml:"train_file"`
	ValFile      string   `toml:"val_file"`
	LearningRate float64  `toml:"learning_rate"`
	NumEpochs    int      `toml:"num_epochs"`
	BatchSize    int      `toml:"batch_size"`
	// DropoutRate is the keep probability used by dropout layers while training.
	DropoutRate    float64  `toml:"dropout_rate"`
	NumClasses     int      `toml:"num_classes"`
	TrainLayers    []string `toml:"train_layers"`
	DisplayStep    int      `toml:"display_step"`
	FilewriterPath string   `toml:"filewriter_path"`
	CheckpointPath string   `toml:"checkpoint_path"`
	TopN           int      `toml:"top_N"`

	WeightsPath string `toml:"weights_path"`
	Seed        int64  `toml:"seed"`
	// KeepCheckpoints bounds how many epoch checkpoints are retained; 0 keeps all.
	KeepCheckpoints int  `toml:"keep_checkpoints"`
	LogEvery        int  `toml:"log_every"`
	Progress        bool `toml:"progress"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		TrainFile:      "data/dogvscat/train.txt",
		ValFile:        "data/dogvscat/val.txt",
		LearningRate:   0.01,
		NumEpochs:      10,
		BatchSize:      128,
		DropoutRate:    0.5,
		NumClasses:     2,
		TrainLayers:    []string{"fc8", "fc7"},
		DisplayStep:    1,
		FilewriterPath: "data/filewriter",
		CheckpointPath: "data/checkpoint",
		TopN:           5,
		WeightsPath:    "bvlc_alexnet.npz",
		LogEvery:       10,
	}
}

// RegisterFlags binds every field of c to fs, under both its short and long
// name where it has one. The current values of c are the flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	str := func(p *string, short, long, usage string) {
		fs.StringVar(p, short, *p, usage)
		fs.StringVar(p, long, *p, usage)
	}
	num := func(p *int, short, long, usage string) {
		fs.IntVar(p, short, *p, usage)
		fs.IntVar(p, long, *p, usage)
	}
	decimal := func(p *float64, short, long, usage string) {
		fs.Float64Var(p, short, *p, usage)
		fs.Float64Var(p, long, *p, usage)
	}

	str(&c.TrainFile, "tf", "train_file", "training sample list")
	str(&c.ValFile, "vf", "val_file", "validation sample list")
	decimal(&c.LearningRate, "lr", "learning_rate", "gradient descent learning rate")
	num(&c.NumEpochs, "ne", "num_epochs", "number of epochs")
	num(&c.BatchSize, "bs", "batch_size", "batch size")
	decimal(&c.DropoutRate, "dr", "dropout_rate", "keep probability of dropout layers while training")
	num(&c.NumClasses, "nc", "num_classes", "number of classes")
	layers := &layerList{list: &c.TrainLayers}
	fs.Var(layers, "tl", "comma separated layers to train (repeatable)")
	fs.Var(layers, "train_layers", "comma separated layers to train (repeatable)")
	num(&c.DisplayStep, "ds", "display_step", "write summaries every N steps")
	str(&c.FilewriterPath, "fp", "filewriter_path", "summary output directory")
	str(&c.CheckpointPath, "cp", "checkpoint_path", "checkpoint output directory")
	num(&c.TopN, "tn", "top_N", "validation accuracy counts a hit within the top N classes")

	str(&c.WeightsPath, "wp", "weights_path", "pretrained weights (npz)")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "PRNG seed for shuffling, dropout and initialisation")
	fs.IntVar(&c.KeepCheckpoints, "keep_checkpoints", c.KeepCheckpoints, "retain only the newest N epoch checkpoints (0 keeps all)")
	fs.IntVar(&c.LogEvery, "log_every", c.LogEvery, "log throughput every N steps")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "show a progress bar during validation")
}

// Parse builds the effective configuration: Defaults, then the TOML file
// named by -config, then every flag explicitly present in args. Flags in fs
// that Config does not own (e.g. klog's) are left alone.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cli := Defaults()
	cli.RegisterFlags(fs)
	path := fs.String("config", "", "optional TOML config file; explicit flags override it")
	if err := fs.Parse(joinLayerArgs(args)); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, errors.Errorf("unexpected arguments %q", fs.Args())
	}
	if *path == "" {
		return &cli, cli.Validate()
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}
	file := flag.NewFlagSet("config", flag.ContinueOnError)
	file.SetOutput(io.Discard)
	cfg.RegisterFlags(file)
	fs.Visit(func(f *flag.Flag) {
		if err != nil || file.Lookup(f.Name) == nil {
			return
		}
		if setErr := file.Set(f.Name, f.Value.String()); setErr != nil {
			err = errors.Wrapf(setErr, "flag -%s", f.Name)
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load reads a TOML config on top of Defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("parse config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return &cfg, nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainFile == "" || c.ValFile == "" {
		return errors.New("train_file and val_file must be set")
	}
	if c.WeightsPath == "" {
		return errors.New("weights_path must be set")
	}
	positive := []struct {
		name  string
		value int
	}{
		{"num_epochs", c.NumEpochs},
		{"batch_size", c.BatchSize},
		{"num_classes", c.NumClasses},
		{"display_step", c.DisplayStep},
		{"top_N", c.TopN},
		{"log_every", c.LogEvery},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be > 0 (got %d)", p.name, p.value)
		}
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must be >= 0 (got %g)", c.LearningRate)
	}
	if c.DropoutRate < 0 || c.DropoutRate > 1 {
		return errors.Errorf("dropout_rate is a keep probability in [0, 1] (got %g)", c.DropoutRate)
	}
	if c.DropoutRate == 0 {
		return errors.New("dropout_rate 0 would drop every activation")
	}
	if c.KeepCheckpoints < 0 {
		return errors.Errorf("keep_checkpoints must be >= 0 (got %d)", c.KeepCheckpoints)
	}
	return nil
}

// EnsureCheckpointDir creates the checkpoint directory if it does not exist.
func (c *Config) EnsureCheckpointDir() error {
	if err := os.MkdirAll(c.CheckpointPath, 0o755); err != nil {
		return errors.Wrapf(err, "create checkpoint dir %s", c.CheckpointPath)
	}
	return nil
}

// String renders the effective configuration, one "name: value" per line.
func (c *Config) String() string {
	fields := map[string]any{
		"train_file":       c.TrainFile,
		"val_file":         c.ValFile,
		"learning_rate":    c.LearningRate,
		"num_epochs":       c.NumEpochs,
		"batch_size":       c.BatchSize,
		"dropout_rate":     c.DropoutRate,
		"num_classes":      c.NumClasses,
		"train_layers":     strings.Join(c.TrainLayers, ","),
		"display_step":     c.DisplayStep,
		"filewriter_path":  c.FilewriterPath,
		"checkpoint_path":  c.CheckpointPath,
		"top_N":            c.TopN,
		"weights_path":     c.WeightsPath,
		"seed":             c.Seed,
		"keep_checkpoints": c.KeepCheckpoints,
		"log_every":        c.LogEvery,
		"progress":         c.Progress,
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, fields[name])
	}
	return b.String()
}

// joinLayerArgs folds the names following -tl or -train_layers into one
// comma separated value, so "-tl fc8 fc7 -lr 0.5" reads like "-tl fc8,fc7 -lr 0.5".
// Arguments after a "--" terminator are left alone.
func joinLayerArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		out = append(out, arg)
		if arg == "--" {
			return append(out, args[i+1:]...)
		}
		name := strings.TrimLeft(arg, "-")
		if !strings.HasPrefix(arg, "-") || (name != "tl" && name != "train_layers") {
			continue
		}
		var names []string
		for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			names = append(names, args[i])
		}
		if len(names) > 0 {
			out = append(out, strings.Join(names, ","))
		}
	}
	return out
}

// layerList is a flag.Value for the trainable layer names. The first Set
// replaces the default and later ones append, so "-tl fc8 -tl fc7" and
// "-tl fc8,fc7" are equivalent. Repeated names are kept once.
type layerList struct {
	list *[]string
	set  bool
}

func (l *layerList) String() string {
	if l == nil || l.list == nil {
		return ""
	}
	return strings.Join(*l.list, ",")
}

func (l *layerList) Set(value string) error {
	if !l.set {
		*l.list = nil
		l.set = true
	}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(*l.list, name) {
			continue
		}
		*l.list = append(*l.list, name)
	}
	return nil
}
