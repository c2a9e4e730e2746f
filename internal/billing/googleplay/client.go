package googleplay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"

	"server/internal/domain"
)

const (
	defaultBaseURL      = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	androidPublishScope = "https://www.googleapis.com/auth/androidpublisher"
)

// Options controls how the Play Developer API client is configured.
type Options struct {
	PackageName     string
	CredentialsFile string
	BaseURL         string
	HTTPClient      *http.Client
	Logger          zerolog.Logger
}

// Client is a lightweight facade over the androidpublisher v3
// purchases.subscriptions endpoint. Missing credentials do not fail
// construction: the client then reports ErrProviderUnavailable on use and
// the adapter degrades to optimistic activation.
type Client struct {
	packageName string
	baseURL     string
	httpClient  *http.Client
	configured  bool
	logger      zerolog.Logger
}

// SubscriptionPurchase is the subset of the provider's purchase resource the
// reconciliation engine needs. The API encodes int64 values as strings.
type SubscriptionPurchase struct {
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	StartTimeMillis  string `json:"startTimeMillis"`
	PaymentState     *int   `json:"paymentState"`
	AutoRenewing     bool   `json:"autoRenewing"`
	CancelReason     int    `json:"cancelReason"`
	OrderID          string `json:"orderId"`
}

// Payment states reported by the provider.
const (
	PaymentStatePending   = 0
	PaymentStateReceived  = 1
	PaymentStateFreeTrial = 2
	PaymentStateDeferred  = 3
)

// ExpiryTime parses the provider's millisecond expiry field.
func (p *SubscriptionPurchase) ExpiryTime() (time.Time, bool) {
	millis, err := strconv.ParseInt(p.ExpiryTimeMillis, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// Paid reports whether the purchase is in a state that grants access.
func (p *SubscriptionPurchase) Paid() bool {
	if p.PaymentState == nil {
		return false
	}
	return *p.PaymentState == PaymentStateReceived || *p.PaymentState == PaymentStateFreeTrial
}

// NewClient configures the Play API client from a service-account key file.
func NewClient(opts Options) (*Client, error) {
	c := &Client{
		packageName: opts.PackageName,
		baseURL:     opts.BaseURL,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}

	if opts.HTTPClient != nil {
		// Injected client (tests, custom auth) is trusted as configured.
		c.configured = true
		return c, nil
	}

	if opts.CredentialsFile == "" {
		c.logger.Warn().Msg("googleplay: no service account configured, purchase verification degraded")
		return c, nil
	}

	data, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read play credentials: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data, androidPublishScope)
	if err != nil {
		return nil, fmt.Errorf("parse play credentials: %w", err)
	}

	c.httpClient = cfg.Client(context.Background())
	c.configured = true
	return c, nil
}

// Configured reports whether the client can reach the provider at all.
func (c *Client) Configured() bool {
	return c.configured
}

// GetSubscription retrieves the purchase detail for a product/token pair.
func (c *Client) GetSubscription(ctx context.Context, productID, purchaseToken string) (*SubscriptionPurchase, error) {
	if !c.configured {
		return nil, fmt.Errorf("%w: play api credentials not configured", domain.ErrProviderUnavailable)
	}

	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		c.baseURL,
		url.PathEscape(c.packageName),
		url.PathEscape(productID),
		url.PathEscape(purchaseToken),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build play request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read play response: %v", domain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The provider understood us and rejected the purchase.
		return nil, fmt.Errorf("%w: play api status %d", domain.ErrVerification, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: play api status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	var purchase SubscriptionPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("%w: decode play response: %v", domain.ErrProviderUnavailable, err)
	}
	return &purchase, nil
}
