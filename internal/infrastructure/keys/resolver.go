// Package keys resolves provider credentials (API keys, webhook secrets)
// for a key source: application level, customer supplied (BYOK) or platform.
package keys

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/config"
)

var (
	ErrNotConfigured = errors.New("keys: provider not configured")
	ErrNotFound      = errors.New("keys: key not found")
)

// Source selects where a credential comes from.
type Source string

const (
	SourceApp      Source = "app"
	SourceBYOK     Source = "byok"
	SourcePlatform Source = "platform"
)

// Selector identifies one credential slot. AppID is used with SourceApp,
// OrgID with SourceBYOK; SourcePlatform uses neither.
type Selector struct {
	Source Source
	AppID  string
	OrgID  string
}

func ForApp(appID string) Selector { return Selector{Source: SourceApp, AppID: appID} }
func ForOrg(orgID string) Selector { return Selector{Source: SourceBYOK, OrgID: orgID} }
func ForPlatform() Selector        { return Selector{Source: SourcePlatform} }

// String is the cache key of the selector.
func (s Selector) String() string {
	switch s.Source {
	case SourceApp:
		return "app:" + s.AppID
	case SourceBYOK:
		return "byok:" + s.OrgID
	default:
		return string(SourcePlatform)
	}
}

// Resolver returns the secret for a provider and selector.
type Resolver interface {
	Resolve(ctx context.Context, provider string, sel Selector) (string, error)
}

// StaticResolver serves keys from configuration.
//
// An application without its own key falls back to the platform key of the
// same provider. BYOK keys never fall back: a customer that chose to bring
// its own key must have one.
type StaticResolver struct {
	cfg config.KeysConfig
}

func NewStaticResolver(cfg config.KeysConfig) *StaticResolver {
	return &StaticResolver{cfg: cfg}
}

func (r *StaticResolver) Resolve(_ context.Context, provider string, sel Selector) (string, error) {
	switch sel.Source {
	case SourceBYOK:
		if key := r.cfg.Orgs[sel.OrgID][provider]; key != "" {
			return key, nil
		}
		return "", fmt.Errorf("%w: %s for org %s", ErrNotFound, provider, sel.OrgID)
	case SourceApp:
		if key := r.cfg.Apps[sel.AppID][provider]; key != "" {
			return key, nil
		}
		return r.platform(provider)
	case SourcePlatform:
		return r.platform(provider)
	default:
		return "", fmt.Errorf("%w: unknown key source %q", ErrNotFound, sel.Source)
	}
}

func (r *StaticResolver) platform(provider string) (string, error) {
	if key := r.cfg.Platform[provider]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotConfigured, provider)
}
