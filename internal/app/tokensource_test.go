package app

import (
	"context"
	"testing"

	"github.com/nulpointcorp/powerproxy/internal/config"
)

func TestBuildTokenSourceStaticWhenUnconfigured(t *testing.T) {
	ts := buildTokenSource(config.EntraConfig{})

	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "" {
		t.Fatalf("Token() = %q, want empty static token when Entra is unconfigured", tok)
	}
}

func TestBuildTokenSourcePartialConfigStillStatic(t *testing.T) {
	ts := buildTokenSource(config.EntraConfig{TenantID: "tenant-only"})
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}
