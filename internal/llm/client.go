package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type ProviderAdapter interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Client routes requests to a registered adapter by provider name.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
}

func NewClient(adapters ...ProviderAdapter) *Client {
	c := &Client{providers: map[string]ProviderAdapter{}}
	for _, a := range adapters {
		c.Register(a)
	}
	return c
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	name := normalizeProviderName(adapter.Name())
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return nil, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return adapter.Stream(ctx, req)
}

// Complete streams and collects in one call.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	st, err := c.Stream(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp, err := Collect(ctx, st, nil)
	resp.Provider = req.Provider
	if resp.Provider == "" {
		resp.Provider = c.defaultProvider
	}
	resp.Model = req.Model
	return resp, err
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
