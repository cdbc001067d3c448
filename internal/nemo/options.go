package nemo

import (
	"net/url"
	"strings"
	"time"
)

// Model families served by the inference endpoint.
const (
	ModelParakeet = "parakeet"
	ModelCanary   = "canary"
)

// Options configures a Client. ServerURL is the only required field.
type Options struct {
	// ServerURL is the base URL of the hosted inference server.
	ServerURL string
	// Language is the recognition language code. Defaults to "en".
	Language string
	// Model selects the served model family. Defaults to ModelCanary.
	Model string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// RequestTimeout bounds a single transcription request.
	RequestTimeout time.Duration

	// Connection pool tuning for the shared transport.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

func (o *Options) withDefaults() {
	if o.Language == "" {
		o.Language = "en"
	}
	if o.Model == "" {
		o.Model = ModelCanary
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 20
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 10
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 5 * time.Minute
	}
}

func validateServerURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidServerURL
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", ErrInvalidServerURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidServerURL
	}
	return trimmed, nil
}

// RequestOption overrides per-request recognition parameters.
type RequestOption func(*requestParams)

type requestParams struct {
	language string
	model    string
}

// WithLanguage overrides the configured language for one request.
func WithLanguage(language string) RequestOption {
	return func(p *requestParams) {
		if language != "" {
			p.language = language
		}
	}
}

// WithModel overrides the configured model for one request.
func WithModel(model string) RequestOption {
	return func(p *requestParams) {
		if model != "" {
			p.model = model
		}
	}
}
