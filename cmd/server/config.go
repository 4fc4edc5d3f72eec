package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/notebook-chat/internal/handlers"
	"github.com/MegaGrindStone/notebook-chat/internal/services"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envConfig holds the settings read from NOTEBOOK_SERVER_* variables. They override the config file.
type envConfig struct {
	ConfigPath string `envconfig:"CONFIG_PATH"`
	Port       string `envconfig:"PORT"`
	Token      string `envconfig:"TOKEN"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string             `yaml:"port"`
	Token        string             `yaml:"token"`
	Models       []string           `yaml:"models"`
	Tools        []string           `yaml:"tools"`
	DefaultModel string             `yaml:"defaultModel"`
	DefaultTools []string           `yaml:"defaultTools"`
	LLM          llmConfig          `yaml:"llm"`
	Transcriber  *transcriberConfig `yaml:"transcriber"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

// transcriberConfig configures the OpenAI-compatible audio endpoint behind both transcription APIs.
type transcriberConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string             `yaml:"port"`
		Token        string             `yaml:"token"`
		Models       []string           `yaml:"models"`
		Tools        []string           `yaml:"tools"`
		DefaultModel string             `yaml:"defaultModel"`
		DefaultTools []string           `yaml:"defaultTools"`
		LLM          map[string]any     `yaml:"llm"`
		Transcriber  *transcriberConfig `yaml:"transcriber"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Token = rawConfig.Token
	c.Models = rawConfig.Models
	c.Tools = rawConfig.Tools
	c.DefaultModel = rawConfig.DefaultModel
	c.DefaultTools = rawConfig.DefaultTools
	c.LLM = llm
	c.Transcriber = rawConfig.Transcriber

	return nil
}

// loadConfig reads the YAML config file, then applies the environment on top.
func loadConfig() (config, envConfig, error) {
	var env envConfig
	if err := envconfig.Process("NOTEBOOK_SERVER", &env); err != nil {
		return config{}, env, fmt.Errorf("error reading environment: %w", err)
	}

	path := env.ConfigPath
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, env, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "notebook-chat", "server.yaml")
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, env, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, env, fmt.Errorf("error decoding config file: %w", err)
	}

	if env.Port != "" {
		cfg.Port = env.Port
	}
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if env.Token != "" {
		cfg.Token = env.Token
	}
	return cfg, env, nil
}

func (c config) handlersConfig() handlers.Config {
	return handlers.Config{
		Token:        c.Token,
		Models:       c.Models,
		Tools:        c.Tools,
		DefaultModel: c.DefaultModel,
		DefaultTools: c.DefaultTools,
	}
}

func (o ollamaConfig) llm(*slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model)
}

func (o openAIConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, "", o.Parameters, logger), nil
}

func (o openRouterConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Endpoint, o.Model, logger), nil
}

// transcriber returns nil when no transcriber is configured.
func (t *transcriberConfig) transcriber(logger *slog.Logger) handlers.Transcriber {
	if t == nil {
		return nil
	}
	apiKey := t.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, t.BaseURL, "", t.Model, services.LLMParameters{}, logger)
}
