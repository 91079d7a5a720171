package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/quotebroker/internal/domain"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0 Safari/537.36"

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL         string
	SignInURL       string
	HistoryURL      string
	Timeout         time.Duration
	RateLimit       float64 // fetches per second, <= 0 disables limiting
	BarLimit        int
	SessionCookie   string
	SignatureCookie string
}

// HTTPClient talks to the provider over HTTP.
type HTTPClient struct {
	http            *resty.Client
	limiter         *rate.Limiter
	signInURL       string
	historyURL      string
	logoutURL       string
	barLimit        int
	sessionCookie   string
	signatureCookie string
}

// signInResponse is the JSON body returned by the sign-in endpoint.
type signInResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	User  *struct {
		Username string `json:"username"`
	} `json:"user"`
}

// historyResponse is the UDF history payload.
type historyResponse struct {
	Status string    `json:"s"`
	ErrMsg string    `json:"errmsg"`
	Time   []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BarLimit <= 0 {
		cfg.BarLimit = 1000
	}

	// Sessions are attached per request; a shared jar would resurrect invalidated cookies.
	client := resty.New().
		SetCookieJar(nil).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Origin", base)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		http:            client,
		limiter:         limiter,
		signInURL:       cfg.SignInURL,
		historyURL:      cfg.HistoryURL,
		logoutURL:       base + "/accounts/logout/",
		barLimit:        cfg.BarLimit,
		sessionCookie:   cfg.SessionCookie,
		signatureCookie: cfg.SignatureCookie,
	}
}

// Login posts the credentials to the sign-in endpoint and extracts the session cookies.
func (c *HTTPClient) Login(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	var body signInResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Referer", c.signInURL).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"username": creds.Username,
			"password": creds.Password,
			"remember": "on",
		}).
		SetResult(&body).
		SetError(&body).
		Post(c.signInURL)
	if err != nil {
		return domain.Session{}, fmt.Errorf("sign in request: %w", err)
	}

	if body.Error != "" {
		return domain.Session{}, &RejectedError{Reason: body.Error, StatusCode: resp.StatusCode()}
	}
	if resp.IsError() {
		return domain.Session{}, &RejectedError{
			Reason:     strings.TrimSpace(truncate(resp.String(), 256)),
			StatusCode: resp.StatusCode(),
		}
	}

	var session domain.Session
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case c.sessionCookie:
			session.Token = ck.Value
		case c.signatureCookie:
			session.Signature = ck.Value
		}
	}
	if session.Token == "" || session.Signature == "" {
		return domain.Session{}, &RejectedError{
			Reason:     "sign in response did not set session cookies",
			StatusCode: resp.StatusCode(),
		}
	}
	session.EstablishedAt = time.Now()

	slog.Debug("Provider sign in accepted", "status", resp.StatusCode())
	return session, nil
}

// Fetch requests the UDF history for an instrument.
func (c *HTTPClient) Fetch(ctx context.Context, session domain.Session, instrument, timeframe string) ([]domain.Bar, error) {
	resolution, ok := Resolution(timeframe)
	if !ok {
		return nil, &FetchError{Instrument: instrument, Cause: fmt.Errorf("unsupported timeframe %q", timeframe)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Instrument: instrument, Cause: fmt.Errorf("rate limit wait: %w", err)}
	}

	var body historyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetCookies(c.sessionCookies(session)).
		SetQueryParams(map[string]string{
			"symbol":     instrument,
			"resolution": resolution,
			"countback":  strconv.Itoa(c.barLimit),
			"to":         strconv.FormatInt(time.Now().Unix(), 10),
		}).
		SetResult(&body).
		Get(c.historyURL)
	if err != nil {
		return nil, &FetchError{Instrument: instrument, Cause: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &FetchError{Instrument: instrument, Cause: fmt.Errorf("%w: HTTP %d", ErrAuth, code)}
	case resp.IsError():
		return nil, &FetchError{Instrument: instrument, Cause: fmt.Errorf("history returned HTTP %d: %s", code, truncate(resp.String(), 256))}
	}

	return body.bars(instrument)
}

// Logout ends the session on the provider side.
func (c *HTTPClient) Logout(ctx context.Context, session domain.Session) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetCookies(c.sessionCookies(session)).
		Post(c.logoutURL)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("logout returned HTTP %d", resp.StatusCode())
	}
	return nil
}

func (c *HTTPClient) sessionCookies(session domain.Session) []*http.Cookie {
	return []*http.Cookie{
		{Name: c.sessionCookie, Value: session.Token},
		{Name: c.signatureCookie, Value: session.Signature},
	}
}

func (h *historyResponse) bars(instrument string) ([]domain.Bar, error) {
	switch h.Status {
	case "ok":
	case "no_data":
		return []domain.Bar{}, nil
	case "error":
		return nil, &FetchError{Instrument: instrument, Cause: errors.New(h.ErrMsg)}
	default:
		return nil, &FetchError{Instrument: instrument, Cause: fmt.Errorf("unexpected history status %q", h.Status)}
	}

	n := len(h.Time)
	if len(h.Open) != n || len(h.High) != n || len(h.Low) != n || len(h.Close) != n {
		return nil, &FetchError{Instrument: instrument, Cause: errors.New("history arrays have mismatched lengths")}
	}

	bars := make([]domain.Bar, n)
	for i := range n {
		bars[i] = domain.Bar{
			Time:  h.Time[i],
			Open:  h.Open[i],
			High:  h.High[i],
			Low:   h.Low[i],
			Close: h.Close[i],
		}
		if i < len(h.Volume) {
			bars[i].Volume = h.Volume[i]
		}
	}
	return bars, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
