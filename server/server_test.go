package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/storage"
)

func TestBuildDescriptorAppliesOverrides(t *testing.T) {
	cfg := &config.Config{
		ProviderID:   "smart-sandbox",
		PublicDomain: "https://chartlink.example",
		ClientID:     "deploy-client",
		ClientSecret: "deploy-secret",
	}

	desc, err := BuildDescriptor(cfg, provider.Default())
	if err != nil {
		t.Fatalf("BuildDescriptor failed: %v", err)
	}
	if desc.ClientID != "deploy-client" {
		t.Errorf("ClientID = %q", desc.ClientID)
	}
	if desc.ClientSecret != "deploy-secret" {
		t.Errorf("ClientSecret not applied")
	}
	if desc.RedirectURI != "https://chartlink.example/auth/callback" {
		t.Errorf("RedirectURI = %q", desc.RedirectURI)
	}
}

func TestBuildDescriptorResolvesTenant(t *testing.T) {
	cfg := &config.Config{
		ProviderID:   "cerner-sandbox",
		PublicDomain: "https://chartlink.example",
		TenantID:     "acme-hospital",
	}

	desc, err := BuildDescriptor(cfg, provider.Default())
	if err != nil {
		t.Fatalf("BuildDescriptor failed: %v", err)
	}
	for _, u := range []string{desc.AuthorizationEndpoint, desc.TokenEndpoint, desc.ResourceBaseURL} {
		if !strings.Contains(u, "acme-hospital") {
			t.Errorf("tenant not substituted in %q", u)
		}
	}
}

func TestBuildDescriptorUnknownProvider(t *testing.T) {
	cfg := &config.Config{ProviderID: "nope", PublicDomain: "https://x.example"}
	if _, err := BuildDescriptor(cfg, provider.Default()); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestBuildStoreBackends(t *testing.T) {
	memStore, err := BuildStore(&config.Config{Storage: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := memStore.(*storage.MemoryStore); !ok {
		t.Errorf("expected MemoryStore, got %T", memStore)
	}

	fileStore, err := BuildStore(&config.Config{Storage: "file", StorageDir: t.TempDir()})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, ok := fileStore.(*storage.FileStore); !ok {
		t.Errorf("expected FileStore, got %T", fileStore)
	}
}
