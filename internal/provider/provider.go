// Package provider implements deterministic chat-provider route selection
// (C7): pure config+environment decision logic with no network calls, so
// routing can be unit tested without a live provider.
package provider

import (
	"os"
	"sort"
	"strings"
)

// Kind identifies which provider family a Route targets.
type Kind string

const (
	KindOpenRouter  Kind = "openrouter"
	KindLocal       Kind = "local"
	KindCloudDirect Kind = "cloud_direct"
)

// Environ abstracts environment lookup so SelectRoute is testable without
// mutating the process environment.
type Environ interface {
	Getenv(key string) string
}

// OSEnviron is the Environ backed by the real process environment.
type OSEnviron struct{}

func (OSEnviron) Getenv(key string) string { return os.Getenv(key) }

// LocalModelProvider is one configured local (self-hosted/OpenAI-compatible)
// chat backend.
type LocalModelProvider struct {
	Name     string `yaml:"name" json:"name"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Priority int    `yaml:"priority" json:"priority"`
}

// LocalModelsConfig is the chat-config local-providers section.
type LocalModelsConfig struct {
	Providers        []LocalModelProvider `yaml:"providers" json:"providers"`
	DefaultChatModel string               `yaml:"default_chat_model" json:"default_chat_model"`
}

// OpenRouterConfig is the chat-config OpenRouter section.
type OpenRouterConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
	SiteName     string `yaml:"site_name" json:"site_name"` // optional X-Title header sent with OpenRouter requests
}

// Config is the chat section's provider-routing inputs.
type Config struct {
	LocalModels LocalModelsConfig `yaml:"local_models" json:"local_models"`
	OpenRouter  OpenRouterConfig  `yaml:"openrouter" json:"openrouter"`
}

// Route is the selected chat provider route; fields are simple enough for a
// caller to construct an OpenAI-compatible client directly from them.
type Route struct {
	Kind         Kind
	ProviderName string
	BaseURL      string
	Model        string
	APIKey       string // empty for local/cloud_direct
}

// SelectRoute deterministically picks the provider route for a chat request.
//
// Selection order:
//  1. OpenRouter, when enabled AND OPENROUTER_API_KEY is set.
//  2. The lowest-priority enabled local provider (ties broken by name).
//  3. A placeholder cloud_direct route.
//
// An explicit "local:" or "openrouter:" prefix on modelOverride forces that
// family; a bare "/" in the override forces OpenRouter (provider/model id
// convention), disambiguating local vs. cloud model ids like "gpt-4o-mini".
func SelectRoute(cfg Config, modelOverride string, env Environ) Route {
	if env == nil {
		env = OSEnviron{}
	}
	override := strings.TrimSpace(modelOverride)
	apiKey := strings.TrimSpace(env.Getenv("OPENROUTER_API_KEY"))

	overrideKind := ""
	overrideModel := override
	if idx := strings.Index(override, ":"); idx >= 0 {
		prefix := strings.ToLower(strings.TrimSpace(override[:idx]))
		rest := strings.TrimSpace(override[idx+1:])
		if prefix == "local" || prefix == "openrouter" {
			overrideKind = prefix
			overrideModel = rest
		}
	}

	enabledLocal := enabledLocalProviders(cfg.LocalModels.Providers)
	openRouterReady := cfg.OpenRouter.Enabled && apiKey != ""

	if overrideKind == "local" {
		if chosen, ok := pickLocal(enabledLocal); ok {
			model := overrideModel
			if model == "" {
				model = cfg.LocalModels.DefaultChatModel
			}
			return Route{Kind: KindLocal, ProviderName: chosen.Name, BaseURL: chosen.BaseURL, Model: model}
		}
		// no local providers available: fall through to OpenRouter/cloud
	}

	if overrideKind == "openrouter" || strings.Contains(overrideModel, "/") {
		model := overrideModel
		if model == "" {
			model = cfg.OpenRouter.DefaultModel
		}
		if openRouterReady {
			return Route{Kind: KindOpenRouter, ProviderName: "OpenRouter", BaseURL: cfg.OpenRouter.BaseURL, Model: model, APIKey: apiKey}
		}
		return Route{Kind: KindCloudDirect, ProviderName: "Cloud", Model: model}
	}

	if openRouterReady {
		model := overrideModel
		if model == "" {
			model = cfg.OpenRouter.DefaultModel
		}
		return Route{Kind: KindOpenRouter, ProviderName: "OpenRouter", BaseURL: cfg.OpenRouter.BaseURL, Model: model, APIKey: apiKey}
	}

	if chosen, ok := pickLocal(enabledLocal); ok {
		model := overrideModel
		if model == "" {
			model = cfg.LocalModels.DefaultChatModel
		}
		return Route{Kind: KindLocal, ProviderName: chosen.Name, BaseURL: chosen.BaseURL, Model: model}
	}

	model := overrideModel
	if model == "" {
		model = cfg.OpenRouter.DefaultModel
	}
	if model == "" {
		model = cfg.LocalModels.DefaultChatModel
	}
	return Route{Kind: KindCloudDirect, ProviderName: "Cloud", Model: model}
}

func enabledLocalProviders(providers []LocalModelProvider) []LocalModelProvider {
	var out []LocalModelProvider
	for _, p := range providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func pickLocal(enabled []LocalModelProvider) (LocalModelProvider, bool) {
	if len(enabled) == 0 {
		return LocalModelProvider{}, false
	}
	sorted := append([]LocalModelProvider(nil), enabled...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0], true
}
