package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationYAML(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	input := "a: 30s\nb: 6h\nc: 90\n"
	if err := yaml.Unmarshal([]byte(input), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.A.Std() != 30*time.Second {
		t.Errorf("a = %v", out.A)
	}
	if out.B.Std() != 6*time.Hour {
		t.Errorf("b = %v", out.B)
	}
	if out.C.Std() != 90*time.Second {
		t.Errorf("bare integers are seconds, got %v", out.C)
	}

	var bad struct {
		A Duration `yaml:"a"`
	}
	if err := yaml.Unmarshal([]byte("a: soon\n"), &bad); err == nil {
		t.Error("garbage duration must be rejected")
	}
}
