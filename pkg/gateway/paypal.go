package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/plans"
)

const (
	// DefaultPayPalVersion is the NVP API version sent with every call
	DefaultPayPalVersion = "204.0"

	// paypalProfileNotActive is returned by ManageRecurringPaymentsProfileStatus
	// when the profile is no longer active or suspended.
	paypalProfileNotActive = "11556"

	paypalTimeLayout = "2006-01-02T15:04:05Z"
)

// PayPalConfig holds NVP API credentials and endpoints
type PayPalConfig struct {
	User        string
	Password    string
	Signature   string
	Endpoint    string // e.g. https://api-3t.sandbox.paypal.com/nvp
	CheckoutURL string // e.g. https://www.sandbox.paypal.com/cgi-bin/webscr?cmd=_express-checkout
	Version     string
	Timeout     time.Duration
}

// Validate checks that credentials and endpoints are present
func (c PayPalConfig) Validate() error {
	if c.User == "" || c.Password == "" || c.Signature == "" {
		return fmt.Errorf("paypal credentials are required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("paypal NVP endpoint is required")
	}
	if c.CheckoutURL == "" {
		return fmt.Errorf("paypal checkout URL is required")
	}
	return nil
}

// PayPal is a recurring payments client for the PayPal NVP API
type PayPal struct {
	cfg      PayPalConfig
	currency string
	client   *http.Client
	logger   *observability.Logger
}

// NewPayPal creates a client bound to currency. A nil client gets a default
// one whose transport is traced with otelhttp.
func NewPayPal(cfg PayPalConfig, currency string, client *http.Client, logger *observability.Logger) *PayPal {
	if cfg.Version == "" {
		cfg.Version = DefaultPayPalVersion
	}
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PayPal{
		cfg:      cfg,
		currency: strings.ToUpper(currency),
		client:   client,
		logger:   logger.WithFields(map[string]interface{}{"gateway": "paypal", "currency": strings.ToUpper(currency)}),
	}
}

// NewHTTPClient returns an HTTP client with tracing instrumentation
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Currency returns the currency this client bills in
func (p *PayPal) Currency() string {
	return p.currency
}

// StartCheckout calls SetExpressCheckout with a recurring billing agreement
func (p *PayPal) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	params := url.Values{}
	params.Set("RETURNURL", req.ReturnURL)
	params.Set("CANCELURL", req.CancelURL)
	if req.Email != "" {
		params.Set("EMAIL", req.Email)
	}
	params.Set("NOSHIPPING", "1")
	params.Set("PAYMENTREQUEST_0_AMT", plans.DecimalAmount(req.Amount, p.currency))
	params.Set("PAYMENTREQUEST_0_CURRENCYCODE", p.currency)
	params.Set("PAYMENTREQUEST_0_PAYMENTACTION", "Authorization")
	params.Set("L_BILLINGTYPE0", "RecurringPayments")
	params.Set("L_BILLINGAGREEMENTDESCRIPTION0", req.Description)

	resp, err := p.call(ctx, "SetExpressCheckout", params)
	if err != nil {
		return nil, err
	}

	token := resp.Get("TOKEN")
	if token == "" {
		return nil, fmt.Errorf("SetExpressCheckout returned no token")
	}
	return &CheckoutHandle{
		Token:       token,
		RedirectURL: p.cfg.CheckoutURL + "&token=" + url.QueryEscape(token),
	}, nil
}

// CreateRecurring calls CreateRecurringPaymentsProfile for a monthly profile
func (p *PayPal) CreateRecurring(ctx context.Context, req RecurringRequest) (*RecurringProfile, error) {
	params := url.Values{}
	params.Set("TOKEN", req.Token)
	params.Set("PROFILESTARTDATE", req.StartsAt.UTC().Format(paypalTimeLayout))
	params.Set("DESC", req.Description)
	params.Set("BILLINGPERIOD", "Month")
	params.Set("BILLINGFREQUENCY", "1")
	params.Set("AMT", plans.DecimalAmount(req.Amount, p.currency))
	params.Set("TAXAMT", plans.DecimalAmount(req.TaxAmount, p.currency))
	params.Set("CURRENCYCODE", p.currency)
	params.Set("AUTOBILLOUTAMT", "AddToNextBilling")

	resp, err := p.call(ctx, "CreateRecurringPaymentsProfile", params)
	if err != nil {
		return nil, err
	}

	profileID := resp.Get("PROFILEID")
	if profileID == "" {
		return nil, fmt.Errorf("CreateRecurringPaymentsProfile returned no profile id")
	}
	return &RecurringProfile{
		ProfileID: profileID,
		Status:    NormalizeStatus(resp.Get("PROFILESTATUS")),
	}, nil
}

// RecurringDetails calls GetRecurringPaymentsProfileDetails
func (p *PayPal) RecurringDetails(ctx context.Context, profileID string) (*RecurringDetails, error) {
	params := url.Values{}
	params.Set("PROFILEID", profileID)

	resp, err := p.call(ctx, "GetRecurringPaymentsProfileDetails", params)
	if err != nil {
		return nil, err
	}

	details := &RecurringDetails{
		ProfileID: profileID,
		RawStatus: resp.Get("STATUS"),
		Status:    NormalizeStatus(resp.Get("STATUS")),
	}
	if details.NextBillingDate, err = parsePayPalTime(resp.Get("NEXTBILLINGDATE")); err != nil {
		return nil, fmt.Errorf("invalid NEXTBILLINGDATE: %w", err)
	}
	if details.LastPaymentDate, err = parsePayPalTime(resp.Get("LASTPAYMENTDATE")); err != nil {
		return nil, fmt.Errorf("invalid LASTPAYMENTDATE: %w", err)
	}
	return details, nil
}

// CancelRecurring calls ManageRecurringPaymentsProfileStatus with ACTION=Cancel.
// A profile that is no longer active yields ErrProfileNotActive.
func (p *PayPal) CancelRecurring(ctx context.Context, profileID, note string) error {
	params := url.Values{}
	params.Set("PROFILEID", profileID)
	params.Set("ACTION", "Cancel")
	if note != "" {
		params.Set("NOTE", note)
	}

	_, err := p.call(ctx, "ManageRecurringPaymentsProfileStatus", params)
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Code == paypalProfileNotActive {
		return fmt.Errorf("%w: %s", ErrProfileNotActive, gwErr.Error())
	}
	return err
}

func (p *PayPal) call(ctx context.Context, method string, params url.Values) (url.Values, error) {
	params.Set("METHOD", method)
	params.Set("VERSION", p.cfg.Version)
	params.Set("USER", p.cfg.User)
	params.Set("PWD", p.cfg.Password)
	params.Set("SIGNATURE", p.cfg.Signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d", method, httpResp.StatusCode)
	}

	resp, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	ack := resp.Get("ACK")
	p.logger.WithFields(map[string]interface{}{
		"method":         method,
		"ack":            ack,
		"correlation_id": resp.Get("CORRELATIONID"),
	}).Debug("paypal call")

	switch ack {
	case "Success", "SuccessWithWarning":
		return resp, nil
	default:
		return nil, &Error{
			Operation:    method,
			Code:         resp.Get("L_ERRORCODE0"),
			ShortMessage: resp.Get("L_SHORTMESSAGE0"),
			LongMessage:  resp.Get("L_LONGMESSAGE0"),
		}
	}
}

func parsePayPalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(paypalTimeLayout, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PayPalFactory builds PayPal clients per currency sharing one HTTP client
type PayPalFactory struct {
	cfg        PayPalConfig
	currencies map[string]bool
	client     *http.Client
	logger     *observability.Logger
}

// NewPayPalFactory creates a factory. When currencies is empty every
// currency is accepted.
func NewPayPalFactory(cfg PayPalConfig, currencies []string, logger *observability.Logger) (*PayPalFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		allowed[strings.ToUpper(c)] = true
	}
	return &PayPalFactory{
		cfg:        cfg,
		currencies: allowed,
		client:     NewHTTPClient(cfg.Timeout),
		logger:     logger,
	}, nil
}

// ForCurrency returns a PayPal client for currency
func (f *PayPalFactory) ForCurrency(currency string) (Gateway, error) {
	code := strings.ToUpper(currency)
	if code == "" || (len(f.currencies) > 0 && !f.currencies[code]) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	return NewPayPal(f.cfg, code, f.client, f.logger), nil
}
