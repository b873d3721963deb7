package main

import (
	"log/slog"
	"testing"

	"github.com/fluxcapacitor2/easylink/app/config"
)

func TestSetupLogging(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	table := []struct {
		cfg   config.Log
		valid bool
	}{
		{config.Log{Level: "info", Format: "text"}, true},
		{config.Log{Level: "DEBUG", Format: "json"}, true},
		{config.Log{Level: "loud", Format: "text"}, false},
		{config.Log{Level: "info", Format: "xml"}, false},
	}

	for i, testCase := range table {
		err := setupLogging(testCase.cfg)
		if (err == nil) != testCase.valid {
			t.Fatalf("test case %v failed: wanted valid=%v, got %v", i+1, testCase.valid, err)
		}
	}
}
