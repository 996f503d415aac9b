// Package resolve creates chat providers from provider-agnostic
// configuration, including the "provider/model" refs praxis.toml uses.
package resolve

import (
	"fmt"
	"strings"

	praxis "github.com/nevindra/praxis"
	"github.com/nevindra/praxis/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Name overrides the backend name reported by Provider.Name.
	// Empty means the provider name is used.
	Name string

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
}

// Provider creates a praxis.Provider from a provider-agnostic Config.
func Provider(cfg Config) (praxis.Provider, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// ParseRef splits a "provider/model" ref, e.g. "openai/gpt-4o-mini". The
// model part may itself contain slashes ("together/meta-llama/Llama-3.3").
func ParseRef(ref string) (provider, model string, err error) {
	provider, model, found := strings.Cut(ref, "/")
	if !found || provider == "" || model == "" {
		return "", "", fmt.Errorf("resolve: model ref %q is not provider/model", ref)
	}
	return provider, model, nil
}

// FromRef creates a Provider from a "provider/model" ref plus per-provider
// API key and base URL maps. The backend is named after the full ref so ring
// rotation logs identify the exact model.
func FromRef(ref string, apiKeys, baseURLs map[string]string) (praxis.Provider, error) {
	prov, model, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	return Provider(Config{
		Provider: prov,
		APIKey:   apiKeys[prov],
		Model:    model,
		BaseURL:  baseURLs[prov],
		Name:     ref,
	})
}

// Ring resolves an ordered list of refs into backends for a model ring.
func Ring(refs []string, apiKeys, baseURLs map[string]string) ([]praxis.Provider, error) {
	backends := make([]praxis.Provider, 0, len(refs))
	for _, ref := range refs {
		p, err := FromRef(ref, apiKeys, baseURLs)
		if err != nil {
			return nil, err
		}
		backends = append(backends, p)
	}
	return backends, nil
}

func openaiCompatProvider(cfg Config) praxis.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Provider
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(name))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
