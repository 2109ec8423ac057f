package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/shopvet/shopvet/internal/appid"
)

func TestAppIdentityLoading(t *testing.T) {
	identity, err := appid.Get(context.Background())
	if err != nil {
		t.Fatalf("Failed to load app identity: %v", err)
	}
	if identity == nil {
		t.Fatal("App identity is nil")
	}

	expectedFields := map[string]string{
		"BinaryName":  identity.BinaryName,
		"EnvPrefix":   identity.EnvPrefix,
		"ConfigName":  identity.ConfigName,
		"Description": identity.Description,
	}
	for fieldName, value := range expectedFields {
		if value == "" {
			t.Errorf("App identity field %s is empty (expected: non-empty)", fieldName)
		}
	}

	if !strings.HasSuffix(identity.EnvPrefix, "_") {
		t.Errorf("Expected env_prefix to end with underscore, got '%s'", identity.EnvPrefix)
	}
}

func TestApplyIdentityUpdatesHelp(t *testing.T) {
	identity, err := appid.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	applyIdentity(identity)

	if rootCmd.Use != identity.BinaryName {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, identity.BinaryName)
	}
	if GetAppIdentity() != identity {
		t.Error("GetAppIdentity did not return the applied identity")
	}
	flag := rootCmd.PersistentFlags().Lookup("config")
	if flag == nil || !strings.Contains(flag.Usage, identity.ConfigName) {
		t.Errorf("config flag usage does not mention %q", identity.ConfigName)
	}
}
