package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Environment:     "test",
		Port:            8080,
		LogLevel:        "info",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			Name: "sendcore",
			User: "sendcore",
		},
		SMTP: SMTPConfig{
			RateLimitPerHour: DefaultRateLimitPerHour,
			MaxRetries:       DefaultMaxRetries,
			DefaultTimeout:   DefaultSMTPTimeout,
		},
		IMAP: IMAPConfig{
			RawTimeout: DefaultIMAPRawTimeout,
			RawRetries: 2,
		},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_RejectsMissingEnvironment(t *testing.T) {
	c := validConfig()
	c.Environment = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing environment")
	}
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cases := []int{0, 80, MinPortNumber - 1, MaxPortNumber + 1}
	for _, port := range cases {
		c := validConfig()
		c.Port = port
		if err := c.Validate(); err == nil {
			t.Errorf("port %d should be rejected", port)
		}
	}
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for an unrecognized log level")
	}
}

func TestValidate_RejectsSubSecondTimeouts(t *testing.T) {
	c := validConfig()
	c.RequestTimeout = 500 * time.Millisecond
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for a sub-second request timeout")
	}

	c = validConfig()
	c.ShutdownTimeout = 100 * time.Millisecond
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for a sub-second shutdown timeout")
	}
}

func TestValidate_RejectsIncompleteDatabaseConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*DatabaseConfig)
	}{
		{"missing host", func(d *DatabaseConfig) { d.Host = "" }},
		{"invalid port", func(d *DatabaseConfig) { d.Port = 0 }},
		{"missing name", func(d *DatabaseConfig) { d.Name = "" }},
		{"missing user", func(d *DatabaseConfig) { d.User = "" }},
	}
	for _, tc := range cases {
		c := validConfig()
		tc.mutate(&c.Database)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected database validation error", tc.name)
		}
	}
}

func TestValidate_RejectsBadSMTPConfig(t *testing.T) {
	c := validConfig()
	c.SMTP.RateLimitPerHour = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-positive smtp rate limit")
	}

	c = validConfig()
	c.SMTP.MaxRetries = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-positive smtp max retries")
	}

	c = validConfig()
	c.SMTP.DefaultTimeout = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for a sub-second smtp default timeout")
	}
}

func TestValidate_RejectsBadIMAPConfig(t *testing.T) {
	c := validConfig()
	c.IMAP.RawTimeout = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for a sub-second imap raw timeout")
	}

	c = validConfig()
	c.IMAP.RawRetries = -1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for negative imap raw retries")
	}
}
