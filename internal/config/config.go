// Package config loads and validates the TOML configuration for a mixsim
// run (spec.md §6).
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	toml "github.com/pelletier/go-toml"
)

// ErrInvalid wraps any configuration value that fails validation. Only
// this error kind is fatal at startup (spec.md §7 ConfigInvalid).
var ErrInvalid = errors.New("config: invalid")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ClientModel selects a SenderSampler strategy (spec.md §4.4).
type ClientModel string

const (
	AllSimulation  ClientModel = "ALL_SIMULATION"
	TimeProximity  ClientModel = "TIME_PROXIMITY"
	UniformProvider ClientModel = "UNIFORM_PROVIDER"
)

// DefaultLambda is the mean inter-arrival time of the reference email
// trace, used as the default Poisson mean for every traffic family.
const DefaultLambda = 7.879036505057893

// Config is the fully-resolved, defaulted simulation configuration.
type Config struct {
	LogFile        string
	TracesFile     string
	Lag            float64
	E2ELag         float64
	Layers         int
	NumProviders   int
	NodesPerLayer  int
	BodySize       int
	BasePort       int
	TimeUnit       float64
	StartTime      float64
	LoopMixEntropy bool
	Lambdas        map[string]float64
	RNGSeed        *int64
	ClientModel    ClientModel
	NumSenders     int
	MetricsAddr    string
	CheckpointFile string
}

// raw mirrors the TOML document shape before defaults are applied. Kept
// separate from Config so zero-valued TOML fields (e.g. an explicit
// `layers = 0`) can be told apart from "not present in the file".
type raw struct {
	LogFile        string             `toml:"log_file"`
	TracesFile     string             `toml:"traces_file"`
	Lag            *float64           `toml:"lag"`
	E2ELag         *float64           `toml:"e2e_lag"`
	Layers         *int               `toml:"layers"`
	NumProviders   *int               `toml:"num_providers"`
	NodesPerLayer  *int               `toml:"nodes_per_layer"`
	BodySize       *int               `toml:"body_size"`
	BasePort       *int               `toml:"base_port"`
	TimeUnit       *float64           `toml:"time_unit"`
	StartTime      *float64           `toml:"start_time"`
	LoopMixEntropy *bool              `toml:"loop_mix_entropy"`
	Lambdas        map[string]float64 `toml:"lambdas"`
	RNGSeed        *int64             `toml:"rng_seed"`
	ClientModel    *string            `toml:"client_model"`
	NumSenders     *int               `toml:"num_senders"`
	MetricsAddr    *string            `toml:"metrics_addr"`
	CheckpointFile *string            `toml:"checkpoint_file"`
}

// trafficFamilies are the five named Poisson processes that carry a
// lambda (spec.md §6's `lambdas` table plus the implicit DELAY process).
var trafficFamilies = []string{"DROP", "LOOP", "PAYLOAD", "DELAY", "LOOP_MIX"}

// FromFile loads, defaults and validates a mixsim TOML configuration.
// numSenders, when not explicitly configured, is left at zero; the
// caller resolves it from the loaded trace and passes it to
// ApplyLambdaDivision.
func FromFile(path string) (*Config, error) {
	if !strings.HasSuffix(path, ".toml") {
		return nil, invalid("config file must be in TOML format: %s", path)
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, invalid("cannot read config file: %v", err)
	}
	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, invalid("cannot parse TOML: %v", err)
	}
	return fromRaw(&r)
}

func fromRaw(r *raw) (*Config, error) {
	if r.LogFile == "" {
		return nil, invalid("log_file must be specified")
	}
	if r.TracesFile == "" {
		return nil, invalid("traces_file must be specified")
	}
	if !strings.HasSuffix(r.TracesFile, ".json") {
		return nil, invalid("traces_file must be in JSON format")
	}

	c := &Config{
		LogFile:        r.LogFile,
		TracesFile:     r.TracesFile,
		Lag:            2600.0,
		E2ELag:         2500.0,
		Layers:         2,
		NumProviders:   2,
		NodesPerLayer:  2,
		BodySize:       5436,
		BasePort:       49152,
		TimeUnit:       1.0,
		StartTime:      0.0,
		LoopMixEntropy: false,
		Lambdas:        make(map[string]float64),
		ClientModel:    AllSimulation,
		MetricsAddr:    "127.0.0.1:9183",
		CheckpointFile: "mixsim.checkpoint",
	}

	if r.Lag != nil {
		if *r.Lag < 0 {
			return nil, invalid("lag must be >= 0")
		}
		c.Lag = *r.Lag
	}
	if r.E2ELag != nil {
		if *r.E2ELag < 0 {
			return nil, invalid("e2e_lag must be >= 0")
		}
		c.E2ELag = *r.E2ELag
	}
	if r.Layers != nil {
		if *r.Layers < 0 {
			return nil, invalid("layers must be >= 0")
		}
		c.Layers = *r.Layers
	}
	if r.NumProviders != nil {
		if *r.NumProviders <= 0 {
			return nil, invalid("num_providers must be > 0")
		}
		c.NumProviders = *r.NumProviders
	}
	if r.NodesPerLayer != nil {
		if *r.NodesPerLayer <= 0 {
			return nil, invalid("nodes_per_layer must be > 0")
		}
		c.NodesPerLayer = *r.NodesPerLayer
	}
	if r.BodySize != nil {
		if *r.BodySize <= 0 {
			return nil, invalid("body_size must be > 0")
		}
		c.BodySize = *r.BodySize
	}
	if r.BasePort != nil {
		if *r.BasePort <= 0 {
			return nil, invalid("base_port must be > 0")
		}
		c.BasePort = *r.BasePort
	}
	if r.TimeUnit != nil {
		if *r.TimeUnit <= 0 {
			return nil, invalid("time_unit must be > 0")
		}
		c.TimeUnit = *r.TimeUnit
	}
	if r.StartTime != nil {
		if *r.StartTime < 0 {
			return nil, invalid("start_time must be >= 0")
		}
		c.StartTime = *r.StartTime
	}
	if r.LoopMixEntropy != nil {
		c.LoopMixEntropy = *r.LoopMixEntropy
	}
	if r.RNGSeed != nil {
		c.RNGSeed = r.RNGSeed
	}
	if r.MetricsAddr != nil {
		c.MetricsAddr = *r.MetricsAddr
	}
	if r.CheckpointFile != nil {
		c.CheckpointFile = *r.CheckpointFile
	}
	if r.ClientModel != nil {
		switch ClientModel(*r.ClientModel) {
		case AllSimulation, TimeProximity, UniformProvider:
			c.ClientModel = ClientModel(*r.ClientModel)
		default:
			return nil, invalid("client_model must be one of ALL_SIMULATION, TIME_PROXIMITY, UNIFORM_PROVIDER")
		}
	}
	if r.NumSenders != nil {
		if *r.NumSenders < 2 {
			return nil, invalid("num_senders must be >= 2")
		}
		c.NumSenders = *r.NumSenders
	}

	for k, v := range r.Lambdas {
		if v <= 0 {
			return nil, invalid("lambda %s must be > 0", k)
		}
		c.Lambdas[k] = v
	}
	for _, family := range trafficFamilies {
		if _, ok := c.Lambdas[family]; !ok {
			c.Lambdas[family] = DefaultLambda
		}
	}

	return c, nil
}

// ApplyLambdaDivision rescales the per-family Poisson means by their
// divisor (spec.md §6: DROP/PAYLOAD/LOOP by numSenders, DELAY by 1,
// LOOP_MIX by the PKI size). Called once, after the trace and PKI are
// known, by the simulator facade.
func (c *Config) ApplyLambdaDivision(numSenders, pkiSize int) error {
	if numSenders <= 0 {
		return invalid("numSenders must be > 0 to divide lambdas")
	}
	if pkiSize <= 0 {
		return invalid("pkiSize must be > 0 to divide lambdas")
	}
	divisors := map[string]int{
		"DROP":     numSenders,
		"LOOP":     numSenders,
		"PAYLOAD":  numSenders,
		"DELAY":    1,
		"LOOP_MIX": pkiSize,
	}
	for family, divisor := range divisors {
		c.Lambdas[family] = c.Lambdas[family] / float64(divisor)
	}
	return nil
}

// SphinxParams are the fixed derived Sphinx geometry values (spec.md §6).
type SphinxParams struct {
	AddBody   int
	AddBuffer int
	HeaderLen int
	BodyLen   int
}

// DeriveSphinxParams computes the Sphinx geometry for the configured
// body size and layer count.
func (c *Config) DeriveSphinxParams() SphinxParams {
	addBody := 72
	addBuffer := 36
	if c.BodySize >= 65536 {
		addBody = 74
		addBuffer = 40
	}
	switch {
	case c.Layers > 1 && c.Layers < 5:
		addBuffer++
	case c.Layers == 5:
		addBuffer += 2
	case c.Layers > 5:
		addBuffer += 3
	}
	return SphinxParams{
		AddBody:   addBody,
		AddBuffer: addBuffer,
		HeaderLen: 40*c.Layers + 77,
		BodyLen:   c.BodySize + addBody,
	}
}
