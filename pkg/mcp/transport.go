package mcp

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aegisgw/aegis/pkg/config"
)

// newTransport builds the SDK transport for a configured MCP server.
func newTransport(name string, cfg config.TransportConfig) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case config.TransportTypeStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.TransportTypeHTTP:
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientFor(cfg),
		}, nil

	case config.TransportTypeSSE:
		return &mcpsdk.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientFor(cfg),
		}, nil

	default:
		return nil, fmt.Errorf("MCP %s: unsupported transport type %q", name, cfg.Type)
	}
}

func httpClientFor(cfg config.TransportConfig) *http.Client {
	client := &http.Client{Timeout: cfg.Timeout()}
	if cfg.BearerToken != "" {
		client.Transport = &bearerRoundTripper{
			token: cfg.BearerToken,
			base:  http.DefaultTransport,
		}
	}
	return client
}

// bearerRoundTripper injects an Authorization header on every request.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}
