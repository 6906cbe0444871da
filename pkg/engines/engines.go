// Package engines assembles the built-in engines and registers them.
package engines

import (
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/engines/dynamodb"
	"github.com/openfroyo/conductor/pkg/engines/emr"
	"github.com/openfroyo/conductor/pkg/engines/redshift"
)

// PollConfig is the YAML form of engine.PollConfig shared by all engines.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config selects and tunes the built-in engines.
type Config struct {
	// Enabled lists engine names to register. Empty means all.
	Enabled []string `yaml:"enabled"`

	Poll     PollConfig      `yaml:"poll"`
	EMR      emr.Config      `yaml:"emr"`
	DynamoDB dynamodb.Config `yaml:"dynamodb"`
	Redshift redshift.Config `yaml:"redshift"`
}

// DefaultConfig enables every engine with production defaults.
func DefaultConfig() Config {
	p := engine.DefaultPollConfig()
	return Config{
		Poll:     PollConfig{Interval: p.Interval, MaxInterval: p.MaxInterval, Timeout: p.Timeout},
		EMR:      emr.DefaultConfig(),
		DynamoDB: dynamodb.DefaultConfig(),
		Redshift: redshift.DefaultConfig(),
	}
}

// Clients supplies the cloud API clients. Nil clients are replaced by the
// engine's simulated client.
type Clients struct {
	EMR      emr.Client
	DynamoDB dynamodb.Client
	Redshift redshift.Client
}

// Names lists the built-in engine names.
func Names() []string {
	names := []string{emr.Name, dynamodb.Name, redshift.Name}
	sort.Strings(names)
	return names
}

func (c Config) poll() engine.PollConfig {
	p := engine.DefaultPollConfig()
	if c.Poll.Interval > 0 {
		p.Interval = c.Poll.Interval
	}
	if c.Poll.MaxInterval > 0 {
		p.MaxInterval = c.Poll.MaxInterval
	}
	if c.Poll.Timeout > 0 {
		p.Timeout = c.Poll.Timeout
	}
	return p
}

// Build returns the enabled engines.
func Build(cfg Config, clients Clients) ([]engine.Engine, error) {
	enabled := make(map[string]bool)
	for _, name := range cfg.Enabled {
		enabled[name] = true
	}
	for name := range enabled {
		if !known(name) {
			return nil, engine.NewValidationError(fmt.Sprintf("unknown engine %q", name), nil)
		}
	}
	want := func(name string) bool { return len(enabled) == 0 || enabled[name] }

	poll := cfg.poll()
	var out []engine.Engine

	if want(dynamodb.Name) {
		client := clients.DynamoDB
		if client == nil {
			client = dynamodb.NewSimulatedClient()
		}
		c := cfg.DynamoDB
		c.Poll = poll
		out = append(out, dynamodb.New(client, c))
	}
	if want(emr.Name) {
		client := clients.EMR
		if client == nil {
			client = emr.NewSimulatedClient()
		}
		c := cfg.EMR
		c.Poll = poll
		out = append(out, emr.New(client, c))
	}
	if want(redshift.Name) {
		client := clients.Redshift
		if client == nil {
			client = redshift.NewSimulatedClient()
		}
		c := cfg.Redshift
		c.Poll = poll
		out = append(out, redshift.New(client, c))
	}
	return out, nil
}

// Register builds the enabled engines and binds them into r.
func Register(r *engine.Registry, cfg Config, clients Clients) error {
	built, err := Build(cfg, clients)
	if err != nil {
		return err
	}
	for _, e := range built {
		if err := r.RegisterEngine(e); err != nil {
			return fmt.Errorf("failed to register engine %s: %w", e.Name(), err)
		}
	}
	return nil
}

func known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}
