package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryHasConfigSchema(t *testing.T) {
	if got := DefaultSchemas().Names(); !reflect.DeepEqual(got, []string{SchemaConfig}) {
		t.Errorf("expected [%s], got %v", SchemaConfig, got)
	}
}

func TestRegisterCustomSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.Register("limits", `#Limits: {max: int & <=10}`, "#Limits"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	type limits struct {
		Max int `yaml:"max"`
	}
	if err := sr.Validate("limits", limits{Max: 3}); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	err := sr.Validate("limits", limits{Max: 30})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if !strings.Contains(se.Error(), "max") {
		t.Errorf("expected error to name the field, got %q", se.Error())
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.Register("broken", `#X: {`, "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.Register("missing", `#X: {}`, "#Y"); err == nil {
		t.Error("expected missing definition error")
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	if err := NewSchemaRegistry().Validate("nope", struct{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestConfigSchemaRedisNeedsAddress(t *testing.T) {
	cfg := Default()
	cfg.Broker.Backend = "redis"
	cfg.Broker.Redis.Addr = ""
	if err := DefaultSchemas().Validate(SchemaConfig, cfg); err == nil {
		t.Error("expected redis without address to fail")
	}
}
