package main

import (
	"testing"

	"github.com/tsawler/go-matnet/config"
)

func TestConfigFlag(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"exp", "--config", "a.yaml"}, "a.yaml"},
		{[]string{"-config=b.json", "exp"}, "b.json"},
		{[]string{"--config"}, ""},
		{[]string{"--configs", "x"}, ""},
		{[]string{"config", "c.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configFlag(tt.args); got != tt.want {
			t.Errorf("configFlag(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestTrainPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.ImageSize = 64

	if p := trainPipeline(cfg); len(p.Augment) != 0 || p.Size != 64 {
		t.Errorf("Expected a plain pipeline, got %s", p)
	}
	cfg.Augment = config.AugmentRandAugment
	if p := trainPipeline(cfg); len(p.Augment) != 1 {
		t.Errorf("Expected RandAugment, got %s", p)
	}
	cfg.Augment = config.AugmentAlbumentation
	if p := trainPipeline(cfg); len(p.Augment) != 8 {
		t.Errorf("Expected the eight albumentation transforms, got %s", p)
	}
}
