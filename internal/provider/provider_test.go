package provider

import "testing"

type fakeEnviron map[string]string

func (f fakeEnviron) Getenv(key string) string { return f[key] }

func baseConfig() Config {
	return Config{
		LocalModels: LocalModelsConfig{
			Providers: []LocalModelProvider{
				{Name: "ollama", BaseURL: "http://localhost:11434", Enabled: true, Priority: 1},
				{Name: "lmstudio", BaseURL: "http://localhost:1234", Enabled: true, Priority: 0},
			},
			DefaultChatModel: "llama3",
		},
		OpenRouter: OpenRouterConfig{
			Enabled:      true,
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openrouter/auto",
		},
	}
}

func TestSelectRoutePrefersOpenRouterWhenKeySet(t *testing.T) {
	route := SelectRoute(baseConfig(), "", fakeEnviron{"OPENROUTER_API_KEY": "sk-test"})
	if route.Kind != KindOpenRouter {
		t.Fatalf("expected openrouter, got %s", route.Kind)
	}
	if route.Model != "openrouter/auto" {
		t.Fatalf("expected default openrouter model, got %s", route.Model)
	}
}

func TestSelectRouteFallsBackToLowestPriorityLocal(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenRouter.Enabled = false
	route := SelectRoute(cfg, "", fakeEnviron{})
	if route.Kind != KindLocal {
		t.Fatalf("expected local, got %s", route.Kind)
	}
	if route.ProviderName != "lmstudio" {
		t.Fatalf("expected lowest-priority provider lmstudio, got %s", route.ProviderName)
	}
}

func TestSelectRouteLocalOverrideForcesLocalEvenWithOpenRouterReady(t *testing.T) {
	route := SelectRoute(baseConfig(), "local:mistral", fakeEnviron{"OPENROUTER_API_KEY": "sk-test"})
	if route.Kind != KindLocal {
		t.Fatalf("expected local override to win, got %s", route.Kind)
	}
	if route.Model != "mistral" {
		t.Fatalf("expected override model mistral, got %s", route.Model)
	}
}

func TestSelectRouteSlashModelForcesOpenRouter(t *testing.T) {
	cfg := baseConfig()
	route := SelectRoute(cfg, "anthropic/claude-3-haiku", fakeEnviron{"OPENROUTER_API_KEY": "sk-test"})
	if route.Kind != KindOpenRouter {
		t.Fatalf("expected openrouter for slash-qualified model, got %s", route.Kind)
	}
	if route.Model != "anthropic/claude-3-haiku" {
		t.Fatalf("expected model passthrough, got %s", route.Model)
	}
}

func TestSelectRouteSlashModelWithoutKeyFallsBackToCloudDirect(t *testing.T) {
	route := SelectRoute(baseConfig(), "anthropic/claude-3-haiku", fakeEnviron{})
	if route.Kind != KindCloudDirect {
		t.Fatalf("expected cloud_direct placeholder, got %s", route.Kind)
	}
}

func TestSelectRouteNoProvidersFallsBackToCloudDirectPlaceholder(t *testing.T) {
	cfg := Config{}
	route := SelectRoute(cfg, "", fakeEnviron{})
	if route.Kind != KindCloudDirect {
		t.Fatalf("expected cloud_direct, got %s", route.Kind)
	}
	if route.APIKey != "" {
		t.Fatalf("expected no api key on cloud_direct placeholder")
	}
}
