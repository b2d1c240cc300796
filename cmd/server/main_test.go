package main

import (
	"testing"

	"vetclinic/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigRejectsWildcardOriginWithPostgres(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		AllowedOrigin: "*",
		DatabaseURL:   "postgres://localhost/vetclinic",
	})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected with postgres")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "http://127.0.0.1:3000"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestCommandsAreRegistered(t *testing.T) {
	for _, name := range []string{"serve", "migrate"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}
}
