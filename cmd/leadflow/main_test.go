package main

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func TestBuildReaperOptions(t *testing.T) {
	flags := Flags{reaperCron: strPtr("*/10 * * * *"), idleTimeout: strPtr("45m")}
	opts, err := buildReaperOptions(flags)
	if err != nil {
		t.Fatalf("buildReaperOptions failed: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("expected 2 options, got %d", len(opts))
	}
}

func TestBuildReaperOptionsDefaults(t *testing.T) {
	flags := Flags{reaperCron: strPtr(""), idleTimeout: strPtr("")}
	opts, err := buildReaperOptions(flags)
	if err != nil {
		t.Fatalf("buildReaperOptions failed: %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("expected no options, got %d", len(opts))
	}
}

func TestBuildReaperOptionsRejectsBadTimeout(t *testing.T) {
	flags := Flags{reaperCron: strPtr(""), idleTimeout: strPtr("later")}
	if _, err := buildReaperOptions(flags); err == nil {
		t.Error("expected error for malformed idle timeout")
	}
}
