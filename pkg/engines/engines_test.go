package engines

import (
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
)

func TestRegisterAllByDefault(t *testing.T) {
	r := engine.NewRegistry()
	if err := Register(r, DefaultConfig(), Clients{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := r.Engines(); !reflect.DeepEqual(got, Names()) {
		t.Errorf("expected %v, got %v", Names(), got)
	}

	want := map[string][]engine.OperationKind{
		"dynamodb": {"create_table", "delete_table"},
		"emr":      {"start_datastore", "terminate_datastore"},
		"redshift": {"create_snapshot", "start_datastore", "stop_datastore"},
	}
	for name, ops := range want {
		if got := r.Operations(name); !reflect.DeepEqual(got, ops) {
			t.Errorf("%s: expected %v, got %v", name, ops, got)
		}
	}
}

func TestRegisterSubset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = []string{"emr"}

	r := engine.NewRegistry()
	if err := Register(r, cfg, Clients{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := r.Engines(); !reflect.DeepEqual(got, []string{"emr"}) {
		t.Errorf("expected only emr, got %v", got)
	}
}

func TestRejectsUnknownEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = []string{"bigquery"}
	if _, err := Build(cfg, Clients{}); !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPollOverrides(t *testing.T) {
	cfg := Config{Poll: PollConfig{Interval: time.Second}}
	p := cfg.poll()
	def := engine.DefaultPollConfig()
	if p.Interval != time.Second || p.MaxInterval != def.MaxInterval || p.Timeout != def.Timeout {
		t.Errorf("unexpected poll config %+v", p)
	}
}
