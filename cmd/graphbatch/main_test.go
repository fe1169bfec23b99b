package main

import (
	"strings"
	"testing"
)

func TestRunMissingCommand(t *testing.T) {
	if err := run(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestServeRequiresUpstream(t *testing.T) {
	err := run([]string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "-upstream.url is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestHelp(t *testing.T) {
	if err := run([]string{"help"}); err != nil {
		t.Fatalf("help: %v", err)
	}
	if err := run([]string{"help", "serve"}); err != nil {
		t.Fatalf("help serve: %v", err)
	}
	if err := run([]string{"help", "nope"}); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}
