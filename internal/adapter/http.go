package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dskow/taskrouter/internal/apierror"
)

// maxResponseBytes bounds how much of a bridge response is read.
const maxResponseBytes = 32 << 20

// HTTPInvokerConfig configures an HTTPInvoker.
type HTTPInvokerConfig struct {
	BaseURL    string
	Timeout    time.Duration
	SigningKey []byte
	Issuer     string
	Audience   string
	TokenTTL   time.Duration
	Client     *http.Client
	Now        func() time.Time
}

// HTTPInvoker calls tools on a remote bridge:
//
//	POST {base}/tools/{tool}/invoke  {"arguments": ...}
//
// Requests are signed with a short-lived HS256 bearer token whose subject
// is the provider when a signing key is configured.
type HTTPInvoker struct {
	base     string
	client   *http.Client
	key      []byte
	issuer   string
	audience string
	tokenTTL time.Duration
	now      func() time.Time
}

// InvokeRequest is the bridge request body.
type InvokeRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

// InvokeResponse is the bridge response body. A tool that ran but failed
// reports Error with a 2xx status.
type InvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BridgeClaims are the JWT claims carried on bridge requests.
type BridgeClaims struct {
	Tool string `json:"tool"`
	jwt.RegisteredClaims
}

// NewHTTPInvoker creates a bridge client.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HTTPInvoker{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		key:      cfg.SigningKey,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		tokenTTL: ttl,
		now:      now,
	}
}

// Invoke implements ToolInvoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, provider, tool string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", tool, err)
	}
	body, err := json.Marshal(InvokeRequest{Arguments: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("encoding bridge request: %w", err)
	}

	endpoint := h.base + "/tools/" + url.PathEscape(tool) + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Provider", provider)

	if len(h.key) > 0 {
		token, err := h.sign(provider, tool)
		if err != nil {
			return nil, apierror.Newf(apierror.AuthFailed, "signing bridge request: %v", err).AsLocal()
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading bridge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierror.FromHTTPStatus(resp.StatusCode, bridgeMessage(payload), resp.Header.Get("Retry-After"))
	}

	var out InvokeResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apierror.Newf(apierror.ParseError, "decoding bridge response: %v", err)
	}
	if out.Error != "" {
		return nil, apierror.Newf(apierror.ExecutionError, "tool %s failed: %s", tool, out.Error)
	}
	if len(out.Result) == 0 {
		return nil, apierror.Newf(apierror.ParseError, "tool %s returned no result", tool)
	}
	return out.Result, nil
}

func (h *HTTPInvoker) sign(provider, tool string) (string, error) {
	now := h.now()
	claims := BridgeClaims{
		Tool: tool,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   provider,
			Issuer:    h.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	if h.audience != "" {
		claims.Audience = jwt.ClaimStrings{h.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.key)
}

// bridgeMessage extracts a short message from an error body.
func bridgeMessage(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// ParseBridgeToken validates a bearer token produced by an HTTPInvoker
// with the same key and audience, returning its claims.
func ParseBridgeToken(token string, key []byte, audience string) (*BridgeClaims, error) {
	claims := &BridgeClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
