package providers

import "strings"

// ProviderSpec holds routing metadata for one model vendor.
type ProviderSpec struct {
	Name              string   // config value, e.g. "openrouter"
	Keywords          []string // model-name keywords for matching (lowercase)
	EnvKey            string   // env var holding the API key
	DisplayName       string
	Prefix            string // model routing prefix on gateways
	IsGateway         bool   // routes any model
	DetectByKeyPrefix string
	DetectByBaseKW    string
	DefaultAPIBase    string
	StripModelPrefix  bool // strip "vendor/" before re-prefixing
}

// Label returns a display label.
func (s *ProviderSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Providers is ordered by priority, gateways first.
var Providers = []*ProviderSpec{
	{
		Name: "custom", EnvKey: "OPENAI_API_KEY", DisplayName: "Custom",
		Prefix: "openai", IsGateway: true, StripModelPrefix: true,
	},
	{
		Name: "openrouter", Keywords: []string{"openrouter"},
		EnvKey: "OPENROUTER_API_KEY", DisplayName: "OpenRouter",
		Prefix: "openrouter", IsGateway: true,
		DetectByKeyPrefix: "sk-or-", DetectByBaseKW: "openrouter",
		DefaultAPIBase: "https://openrouter.ai/api/v1",
	},
	{
		Name: "openai", Keywords: []string{"openai", "gpt", "dall-e", "gpt-image"},
		EnvKey: "OPENAI_API_KEY", DisplayName: "OpenAI",
		DefaultAPIBase: "https://api.openai.com/v1",
	},
	{
		Name: "deepseek", Keywords: []string{"deepseek"},
		EnvKey: "DEEPSEEK_API_KEY", DisplayName: "DeepSeek",
		DefaultAPIBase: "https://api.deepseek.com/v1",
	},
	{
		Name: "gemini", Keywords: []string{"gemini"},
		EnvKey: "GEMINI_API_KEY", DisplayName: "Gemini",
		DefaultAPIBase: "https://generativelanguage.googleapis.com/v1beta/openai",
	},
}

// FindByModel returns the direct vendor whose keyword appears in model.
func FindByModel(model string) *ProviderSpec {
	lower := strings.ToLower(model)
	for _, spec := range Providers {
		if spec.IsGateway {
			continue
		}
		for _, kw := range spec.Keywords {
			if strings.Contains(lower, kw) {
				return spec
			}
		}
	}
	return nil
}

// FindGateway detects a gateway by name, then api key prefix, then base url.
func FindGateway(name, apiKey, apiBase string) *ProviderSpec {
	if name != "" {
		if spec := FindByName(name); spec != nil && spec.IsGateway {
			return spec
		}
	}
	for _, spec := range Providers {
		if spec.DetectByKeyPrefix != "" && apiKey != "" && strings.HasPrefix(apiKey, spec.DetectByKeyPrefix) {
			return spec
		}
		if spec.DetectByBaseKW != "" && apiBase != "" && strings.Contains(apiBase, spec.DetectByBaseKW) {
			return spec
		}
	}
	return nil
}

// FindByName finds a spec by config name.
func FindByName(name string) *ProviderSpec {
	for _, spec := range Providers {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}
