package aimnet2

import (
	"sort"

	"github.com/unixpickle/essentials"
	"gopkg.in/yaml.v3"
)

// A ComponentFunc constructs a Component from its
// configured keyword arguments.
type ComponentFunc func(kwargs map[string]interface{}) (Component, error)

var componentFuncs = map[string]ComponentFunc{}

func init() {
	RegisterComponent("mse", func(kwargs map[string]interface{}) (Component, error) {
		return MSE{}, nil
	})
	RegisterComponent("mae", func(kwargs map[string]interface{}) (Component, error) {
		return MAE{}, nil
	})
}

// RegisterComponent registers a loss component
// constructor under a name, so that configurations can
// refer to it.
//
// It panics if the name is already taken.
func RegisterComponent(name string, fn ComponentFunc) {
	if _, ok := componentFuncs[name]; ok {
		panic("component already registered: " + name)
	}
	componentFuncs[name] = fn
}

// A Config is the immutable run configuration.
//
// It is constructed once at startup, validated eagerly,
// and passed explicitly to the components that need its
// slices.
type Config struct {
	Data      DataConfig            `yaml:"data"`
	Loss      map[string]TermConfig `yaml:"loss"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Train     TrainConfig           `yaml:"train"`
	SAE       SAE                   `yaml:"sae"`
}

// A DataConfig configures batching and sharding.
type DataConfig struct {
	// BatchMode is "molecules" or "atoms".
	BatchMode string `yaml:"batch_mode"`

	// BatchSize is a molecule count in molecule mode and
	// an atom-count budget in atom mode.
	BatchSize int `yaml:"batch_size"`

	// Shuffle enables per-epoch reshuffling.
	Shuffle bool `yaml:"shuffle"`

	// BatchesPerEpoch truncates or cyclically extends each
	// epoch to a fixed number of batches.
	// -1 means full coverage: every record exactly once.
	BatchesPerEpoch int `yaml:"batches_per_epoch"`

	// LoadFull bypasses sharding so every worker sees the
	// full dataset.
	LoadFull bool `yaml:"ddp_load_full_dataset"`

	// ValFraction is the held-out fraction used when no
	// separate validation source is configured.
	ValFraction float64 `yaml:"val_fraction"`

	// SeparateVal indicates that validation records come
	// from a distinct source rather than a held-out split.
	SeparateVal bool `yaml:"separate_val"`

	// ValBatchFactor multiplies the batch size during
	// validation. Zero means 2.
	ValBatchFactor int `yaml:"val_batch_factor"`
}

// A TermConfig defines one loss term.
type TermConfig struct {
	// Fn names a registered loss component.
	Fn string `yaml:"fn"`

	// Weight scales the term's contribution.
	Weight float64 `yaml:"weight"`

	// Norm is "structure" (default) or "atom".
	Norm string `yaml:"norm"`

	// Target overrides the batch key; the term's name is
	// used when empty.
	Target string `yaml:"target"`

	// Kwargs are passed to the component constructor.
	Kwargs map[string]interface{} `yaml:"kwargs"`
}

// A SchedulerConfig configures the plateau scheduler.
type SchedulerConfig struct {
	// LR is the initial control value.
	LR float64 `yaml:"lr"`

	// Factor multiplies the control value on decay.
	// It must be in (0, 1).
	Factor float64 `yaml:"factor"`

	// Patience is the number of non-improving evaluations
	// tolerated before a decay.
	Patience int `yaml:"patience"`

	// Epsilon is the minimum improvement that counts.
	Epsilon float64 `yaml:"epsilon"`

	// LowLR terminates the run once the control value
	// falls below it.
	LowLR float64 `yaml:"terminate_on_low_lr"`
}

// A TrainConfig configures the epoch driver.
type TrainConfig struct {
	// Epochs bounds the number of training epochs.
	Epochs int `yaml:"epochs"`

	// EvalEvery is the validation cadence in epochs.
	// Zero means every epoch.
	EvalEvery int `yaml:"eval_every"`

	// Seed derives all per-epoch shuffle seeds.
	// It must be identical on every worker.
	Seed int64 `yaml:"seed"`
}

// LoadConfig decodes a YAML configuration and validates
// it.
func LoadConfig(data []byte) (cfg *Config, err error) {
	defer essentials.AddCtxTo("load config", &err)
	cfg = &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration eagerly, before any
// epoch starts.
//
// It returns a *ConfigError describing the first invalid
// option it finds.
func (c *Config) Validate() error {
	if c.Data.BatchMode != "molecules" && c.Data.BatchMode != "atoms" {
		return &ConfigError{Option: "data.batch_mode",
			Reason: "must be \"molecules\" or \"atoms\""}
	}
	if c.Data.BatchSize <= 0 {
		return &ConfigError{Option: "data.batch_size", Reason: "must be positive"}
	}
	if c.Data.BatchesPerEpoch == 0 || c.Data.BatchesPerEpoch < -1 {
		return &ConfigError{Option: "data.batches_per_epoch",
			Reason: "must be -1 or positive"}
	}
	if c.Data.ValFraction < 0 || c.Data.ValFraction >= 1 {
		return &ConfigError{Option: "data.val_fraction",
			Reason: "must be in [0, 1)"}
	}
	if c.Data.ValBatchFactor < 0 {
		return &ConfigError{Option: "data.val_batch_factor",
			Reason: "must be non-negative"}
	}
	if len(c.Loss) == 0 {
		return &ConfigError{Option: "loss", Reason: "no terms defined"}
	}
	for _, name := range c.termNames() {
		tc := c.Loss[name]
		if _, ok := componentFuncs[tc.Fn]; !ok {
			return &ConfigError{Option: "loss." + name + ".fn",
				Reason: "unknown component \"" + tc.Fn + "\""}
		}
		if tc.Weight < 0 {
			return &ConfigError{Option: "loss." + name + ".weight",
				Reason: "must be non-negative"}
		}
		if tc.Norm != "" && tc.Norm != "structure" && tc.Norm != "atom" {
			return &ConfigError{Option: "loss." + name + ".norm",
				Reason: "must be \"structure\" or \"atom\""}
		}
	}
	if c.Scheduler.Factor <= 0 || c.Scheduler.Factor >= 1 {
		return &ConfigError{Option: "scheduler.factor",
			Reason: "must be in (0, 1)"}
	}
	if c.Scheduler.Patience < 0 {
		return &ConfigError{Option: "scheduler.patience",
			Reason: "must be non-negative"}
	}
	if c.Scheduler.LR <= 0 {
		return &ConfigError{Option: "scheduler.lr", Reason: "must be positive"}
	}
	if c.Train.Epochs <= 0 {
		return &ConfigError{Option: "train.epochs", Reason: "must be positive"}
	}
	if c.Train.EvalEvery < 0 {
		return &ConfigError{Option: "train.eval_every",
			Reason: "must be non-negative"}
	}
	return nil
}

// BuildTerms constructs the configured loss terms in
// deterministic (name-sorted) order.
//
// The configuration must have been validated.
func (c *Config) BuildTerms() ([]*Term, error) {
	var res []*Term
	for _, name := range c.termNames() {
		tc := c.Loss[name]
		fn := componentFuncs[tc.Fn]
		comp, err := fn(tc.Kwargs)
		if err != nil {
			return nil, essentials.AddCtx("build term "+name, err)
		}
		norm := PerStructure
		if tc.Norm == "atom" {
			norm = PerAtom
		}
		res = append(res, &Term{
			Name:   name,
			Target: tc.Target,
			Weight: tc.Weight,
			Norm:   norm,
			Comp:   comp,
		})
	}
	return res, nil
}

// ValBatchSize returns the batch size used for validation
// plans.
func (c *Config) ValBatchSize() int {
	factor := c.Data.ValBatchFactor
	if factor == 0 {
		factor = 2
	}
	return c.Data.BatchSize * factor
}

func (c *Config) termNames() []string {
	var names []string
	for name := range c.Loss {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
