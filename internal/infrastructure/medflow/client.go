package medflow

import (
	"net/http"
	"strings"
	"time"

	"github.com/xtm888/medflow-ocr/internal/infrastructure/resilience"
)

// Client talks to the MedFlow clinical backend. A zero base URL disables
// every call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}
