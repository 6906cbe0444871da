package commands

import (
	"reflect"
	"testing"

	"github.com/openfroyo/conductor/pkg/engine"
)

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"dataset_id=set-9", "instance_count=3", "dry_run=true", "note=a=b", "label=007"})
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}
	want := engine.Args{
		"dataset_id":     "set-9",
		"instance_count": float64(3),
		"dry_run":        true,
		"note":           "a=b",
		"label":          "007",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseArgsRejectsMissingKey(t *testing.T) {
	for _, pair := range []string{"novalue", "=x"} {
		if _, err := parseArgs([]string{pair}); !engine.IsValidation(err) {
			t.Errorf("%q: expected validation error, got %v", pair, err)
		}
	}
}

func TestActionStatus(t *testing.T) {
	tests := []struct {
		action engine.Action
		want   string
	}{
		{engine.Action{}, "queued"},
		{engine.Action{Progress: 0.4}, "running"},
		{engine.Action{Progress: 1}, "succeeded"},
		{engine.Action{Progress: 0.4, Error: &engine.ActionFailure{Message: "boom"}}, "failed"},
	}
	for _, tt := range tests {
		if got := actionStatus(&tt.action); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
