package app

import (
	"fmt"

	"github.com/MrWong99/livesight/internal/config"
	"github.com/MrWong99/livesight/pkg/provider/live"
	"github.com/MrWong99/livesight/pkg/provider/live/gemini"
	"github.com/MrWong99/livesight/pkg/provider/live/genai"
	"github.com/MrWong99/livesight/pkg/provider/live/openai"
)

// DefaultRegistry returns a registry holding every built-in live provider.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.Register("gemini", func(e config.ProviderEntry) (live.Provider, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("gemini: api_key is required")
		}
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.Register("genai", func(e config.ProviderEntry) (live.Provider, error) {
		var opts []genai.Option
		if e.Model != "" {
			opts = append(opts, genai.WithModel(e.Model))
		}
		project, location := e.Option("project"), e.Option("location")
		switch {
		case project != "":
			opts = append(opts, genai.WithVertexAI(project, location))
		case e.APIKey == "":
			return nil, fmt.Errorf("genai: api_key or options.project is required")
		}
		return genai.New(e.APIKey, opts...), nil
	})

	reg.Register("openai", func(e config.ProviderEntry) (live.Provider, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("openai: api_key is required")
		}
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	return reg
}
