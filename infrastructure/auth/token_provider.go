package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lioneltay/claude-pilot/domain/auth"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// StaticTokenProvider always returns the configured key
type StaticTokenProvider struct {
	key string
}

func NewStaticTokenProvider(key string) *StaticTokenProvider {
	return &StaticTokenProvider{key: key}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (auth.Credential, error) {
	if p.key == "" {
		return auth.Credential{}, fmt.Errorf("no backend api key configured")
	}
	return auth.Credential{Bearer: p.key}, nil
}

const defaultRefreshSkew = 60 * time.Second

// ExchangeTokenProvider trades a long-lived key for short-lived bearer tokens
// at tokenURL. The endpoint answers {"token": "...", "expires_at": <unix>}.
// Tokens are cached until refreshSkew before expiry.
type ExchangeTokenProvider struct {
	tokenURL    string
	key         string
	refreshSkew time.Duration
	httpClient  *http.Client
	now         func() time.Time

	mu      sync.Mutex
	current auth.Credential
}

func NewExchangeTokenProvider(tokenURL, key string) *ExchangeTokenProvider {
	return &ExchangeTokenProvider{
		tokenURL:    tokenURL,
		key:         key,
		refreshSkew: defaultRefreshSkew,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		now:         time.Now,
	}
}

func (p *ExchangeTokenProvider) Token(ctx context.Context) (auth.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.current.Expired(p.now(), p.refreshSkew) {
		return p.current, nil
	}

	cred, err := p.exchange(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	p.current = cred

	logrus.WithField("expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339)).Info("Refreshed backend token")
	return cred, nil
}

func (p *ExchangeTokenProvider) exchange(ctx context.Context) (auth.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tokenURL, nil)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("new token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+p.key)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return auth.Credential{}, fmt.Errorf("token exchange failed: status %d: %s", resp.StatusCode, string(body))
	}

	token := gjson.GetBytes(body, "token")
	if !token.Exists() || token.String() == "" {
		return auth.Credential{}, fmt.Errorf("token exchange response has no token")
	}
	cred := auth.Credential{Bearer: token.String()}
	if exp := gjson.GetBytes(body, "expires_at"); exp.Exists() && exp.Int() > 0 {
		cred.ExpiresAt = time.Unix(exp.Int(), 0)
	}
	return cred, nil
}
