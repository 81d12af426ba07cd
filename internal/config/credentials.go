package config

import "os"

// CredentialRegistry holds named provider API credentials
type CredentialRegistry struct {
	Providers map[string]ProviderCredential `json:"providers" yaml:"providers"`
	Default   string                        `json:"default" yaml:"default"`
}

// ProviderCredential is a single provider API key (Anthropic, OpenAI, etc.)
type ProviderCredential struct {
	Provider    string `json:"provider" yaml:"provider"` // anthropic, openai, google
	APIKey      string `json:"api_key" yaml:"api_key"`
	Description string `json:"description" yaml:"description"`
}

// GetProviderCredential returns a provider credential by name
func (r *CredentialRegistry) GetProviderCredential(name string) (*ProviderCredential, bool) {
	if cred, ok := r.Providers[name]; ok {
		return &cred, true
	}
	return nil, false
}

// GetDefaultProviderCredential returns the default provider credential
func (r *CredentialRegistry) GetDefaultProviderCredential() (*ProviderCredential, bool) {
	if r.Default == "" {
		return nil, false
	}
	return r.GetProviderCredential(r.Default)
}

// APIKey resolves the key for provider: the default credential when it
// matches the provider, then any credential for the provider, then the
// provider's environment variable.
func (r *CredentialRegistry) APIKey(provider string) string {
	if cred, ok := r.GetDefaultProviderCredential(); ok && cred.APIKey != "" {
		if cred.Provider == "" || cred.Provider == provider {
			return cred.APIKey
		}
	}
	for _, cred := range r.Providers {
		if cred.Provider == provider && cred.APIKey != "" {
			return cred.APIKey
		}
	}
	if env := ProviderEnvVar(provider); env != "" {
		return os.Getenv(env)
	}
	return ""
}

// ProviderEnvVar returns the environment variable name for a provider
func ProviderEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
