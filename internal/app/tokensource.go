package app

import (
	"context"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/tokensource"
)

const defaultEntraScope = "https://cognitiveservices.azure.com/.default"

// buildTokenSource wires a tokensource.Source over the Entra ID
// client-credentials flow, used by the dispatch engine's header rewriting
// whenever a selected target's endpoint carries no endpoint_key. Returns
// tokensource.Static("") when no Entra section is configured, since not
// every deployment needs it (some endpoints always carry an endpoint_key).
func buildTokenSource(cfg config.EntraConfig) tokensource.Source {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TenantID == "" {
		return tokensource.Static("")
	}

	scope := cfg.Scope
	if scope == "" {
		scope = defaultEntraScope
	}

	ccConfig := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0/token",
		Scopes:       []string{scope},
	}

	return &tokensource.CachingFunc{
		Fetch: func(ctx context.Context) (string, time.Duration, error) {
			tok, err := ccConfig.Token(ctx)
			if err != nil {
				return "", 0, err
			}
			ttl := time.Until(tok.Expiry)
			if ttl <= 0 {
				ttl = time.Minute
			}
			return tok.AccessToken, ttl, nil
		},
	}
}
