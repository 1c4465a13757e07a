package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is all",
			check:  func(c *Config) bool { return c.Mode == "all" },
			expect: "all",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default batch size matches spec",
			check:  func(c *Config) bool { return c.BatchSize == 100 },
			expect: "100",
		},
		{
			name:   "default max concurrent workers matches spec",
			check:  func(c *Config) bool { return c.MaxConcurrentWorkers == 20 },
			expect: "20",
		},
		{
			name:   "default max concurrent submissions matches spec",
			check:  func(c *Config) bool { return c.MaxConcurrentSubmissions == 8 },
			expect: "8",
		},
		{
			name:   "default daily reset timezone is UTC",
			check:  func(c *Config) bool { return c.DailyResetTimezone == "UTC" },
			expect: "UTC",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
