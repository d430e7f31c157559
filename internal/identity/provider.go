package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider is the external identity-provider boundary. Account creation is
// consumed transactionally during user creation; deletion is the compensating
// action and best-effort cleanup on user removal.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (externalID string, err error)
	DeleteAccount(ctx context.Context, externalID string) error
}

// ErrProvider marks failures talking to the identity provider.
var ErrProvider = errors.New("identity provider error")

// RESTProvider talks to an identity provider over its account REST API.
type RESTProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTProvider constructs a provider client with sane timeouts.
func NewRESTProvider(baseURL, apiKey string) (*RESTProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	return &RESTProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *RESTProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/accounts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: create account returned %d", ErrProvider, resp.StatusCode)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if payload.ID == "" {
		return "", fmt.Errorf("%w: response missing account id", ErrProvider)
	}
	return payload.ID, nil
}

func (p *RESTProvider) DeleteAccount(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		p.baseURL+"/v1/accounts/"+url.PathEscape(externalID), nil)
	if err != nil {
		return err
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		// A missing remote account is already the desired end state.
		return nil
	default:
		return fmt.Errorf("%w: delete account returned %d", ErrProvider, resp.StatusCode)
	}
}

func (p *RESTProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
