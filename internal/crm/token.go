package crm

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/ap-development/medrelay/internal/config"
)

// NewTokenSource builds an access-token source from the CRM's long-lived
// refresh token. Tokens are refreshed and reused automatically; only the
// refresh token lives in configuration.
func NewTokenSource(ctx context.Context, cfg config.CRMConfig) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}
	base := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return oauth2.ReuseTokenSource(nil, base)
}
