package mpesa

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

const (
	SandboxURL = "https://sandbox.safaricom.co.ke"

	MinAmount int64 = 1
	MaxAmount int64 = 150000

	maxAccountReference = 12
	maxDescription      = 13

	// tokenExpiryMargin is subtracted from the provider TTL before caching.
	tokenExpiryMargin = time.Minute
)

type Config struct {
	BaseURL            string        `env:"BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	ConsumerKey        string        `env:"CONSUMER_KEY"`
	ConsumerSecret     string        `env:"CONSUMER_SECRET"`
	ShortCode          string        `env:"SHORTCODE" envDefault:"174379"`
	PassKey            string        `env:"PASSKEY"`
	CallbackURL        string        `env:"CALLBACK_URL"`
	InitiatorName      string        `env:"INITIATOR_NAME"`
	SecurityCredential string        `env:"SECURITY_CREDENTIAL"`
	B2CShortCode       string        `env:"B2C_SHORTCODE"`
	ResultURL          string        `env:"RESULT_URL"`
	QueueTimeoutURL    string        `env:"QUEUE_TIMEOUT_URL"`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	cache   TokenCache
	phones  *PhoneRule
	breaker *gobreaker.CircuitBreaker[response]
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithTokenCache shares access tokens across processes. Without it tokens
// are cached in process memory.
func WithTokenCache(cache TokenCache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithPhoneRule(rule *PhoneRule) Option {
	return func(c *Client) { c.phones = rule }
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.B2CShortCode == "" {
		cfg.B2CShortCode = cfg.ShortCode
	}

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		phones: KenyaPhones,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryTokenCache()
	}

	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:    "mpesa",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// CanonicalPhone validates and canonicalizes a payer phone number.
func (c *Client) CanonicalPhone(raw string) (string, error) {
	return c.phones.Canonicalize(raw)
}

// ValidateAmount checks the provider's per-transaction bounds.
func ValidateAmount(amount int64) error {
	if amount < MinAmount || amount > MaxAmount {
		return fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrInvalidAmount, amount, MinAmount, MaxAmount)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// AccessToken returns a bearer token, from the cache when one is still valid.
// A failed fetch is returned as-is and never retried here.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	key := c.cacheKey()

	token, err := c.cache.Get(ctx, key)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("token cache read failed", "error", err)
	}

	token, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	if ttl > tokenExpiryMargin {
		if err := c.cache.Set(ctx, key, token, ttl-tokenExpiryMargin); err != nil {
			c.logger.Warn("token cache write failed", "error", err)
		}
	}

	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	resp, err := c.do(ctx, http.MethodGet, "/oauth/v1/generate?grant_type=client_credentials", nil, func(req *http.Request) {
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	})
	if err != nil {
		return "", 0, err
	}
	if resp.status != http.StatusOK {
		return "", 0, resp.providerError("token")
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return "", 0, fmt.Errorf("%w: decode token response: %v", domain.ErrGatewayUnavailable, err)
	}
	if body.AccessToken == "" {
		return "", 0, &domain.ProviderError{Operation: "token", Code: strconv.Itoa(resp.status), Message: "empty access token"}
	}

	seconds, err := body.ExpiresIn.Int64()
	if err != nil {
		seconds = 0
	}
	return body.AccessToken, time.Duration(seconds) * time.Second, nil
}

// cacheKey identifies the credential pair without storing the secret.
func (c *Client) cacheKey() string {
	sum := sha256.Sum256([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	return "mpesa:token:" + hex.EncodeToString(sum[:8])
}

type response struct {
	status int
	body   []byte
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (r response) errorBody() errorBody {
	var eb errorBody
	_ = json.Unmarshal(r.body, &eb)
	return eb
}

func (r response) providerError(operation string) error {
	eb := r.errorBody()
	code := eb.ErrorCode
	if code == "" {
		code = strconv.Itoa(r.status)
	}
	return &domain.ProviderError{Operation: operation, Code: code, Message: eb.ErrorMessage}
}

var errUpstream = errors.New("upstream unavailable")

func (c *Client) authorized(ctx context.Context) (func(*http.Request), error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}, nil
}

// do sends one request through the circuit breaker. Only transport failures
// and gateway-level 5xx responses count against the breaker; provider
// rejections come back as a normal response.
func (c *Client) do(ctx context.Context, method, path string, payload any, decorate func(*http.Request)) (response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.breaker.Execute(func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
		if err != nil {
			return response{}, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if decorate != nil {
			decorate(req)
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			return response{}, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return response{}, err
		}

		out := response{status: httpResp.StatusCode, body: data}
		switch httpResp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return out, fmt.Errorf("%w: status %d", errUpstream, httpResp.StatusCode)
		}
		return out, nil
	})
	if err != nil {
		return response{}, fmt.Errorf("%w: %s %s: %w", domain.ErrGatewayUnavailable, method, path, err)
	}

	return resp, nil
}

// IsTimeout reports whether err came from a deadline rather than a refusal.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
