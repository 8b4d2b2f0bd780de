// Package config loads application settings from the user config file,
// environment variables and the persisted .env, and resolves the
// per-project paths the core needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/mcp"
)

// AppName is used for config directories and attribution headers.
const AppName = "codeloop"

// Config is the resolved application configuration.
type Config struct {
	AuthType string `mapstructure:"auth_type"`
	Model    string `mapstructure:"model"`
	Proxy    string `mapstructure:"proxy"`

	// MaxSessionTurns bounds model turns per session; -1 = unlimited.
	MaxSessionTurns int `mapstructure:"max_session_turns"`

	Checkpointing bool `mapstructure:"checkpointing"`

	// CompressionTokenThreshold enables history compression; 0 = off.
	CompressionTokenThreshold int `mapstructure:"compression_token_threshold"`

	// ShellAllowlist are glob patterns of shell commands that skip
	// confirmation.
	ShellAllowlist []string `mapstructure:"shell_allowlist"`

	SessionPersistence bool `mapstructure:"session_persistence"`

	MCPServers map[string]mcp.ServerConfig `mapstructure:"mcp_servers"`

	// ProjectRoot defaults to the working directory.
	ProjectRoot string `mapstructure:"-"`
}

// Load reads config.yaml from the user config directory, applies
// defaults and folds in the persisted .env file.
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := UserConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.AutomaticEnv()

	v.SetDefault("auth_type", "")
	v.SetDefault("model", llm.DefaultModel)
	v.SetDefault("max_session_turns", -1)
	v.SetDefault("checkpointing", true)
	v.SetDefault("session_persistence", true)
	v.SetDefault("compression_token_threshold", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.AuthType == "" {
		cfg.AuthType = os.Getenv(strings.ToUpper(AppName) + "_DEFAULT_AUTH_TYPE")
	}
	if cfg.AuthType == "" {
		cfg.AuthType = inferAuthType()
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg.ProjectRoot = wd

	// Project-local MCP config augments the user-level map.
	projectServers, err := mcp.LoadServerMap(filepath.Join(wd, ".codeloop", "mcp.json"))
	if err == nil && len(projectServers) > 0 {
		if cfg.MCPServers == nil {
			cfg.MCPServers = map[string]mcp.ServerConfig{}
		}
		for name, server := range projectServers {
			cfg.MCPServers[name] = server
		}
	}

	return &cfg, nil
}

// inferAuthType preselects a backend from whichever credential the
// environment provides.
func inferAuthType() string {
	switch {
	case os.Getenv("OPENROUTER_API_KEY") != "":
		return string(llm.AuthOpenRouter)
	case os.Getenv("GEMINI_API_KEY") != "":
		return string(llm.AuthGeminiAPIKey)
	case os.Getenv("GOOGLE_CLOUD_PROJECT") != "" && os.Getenv("GOOGLE_CLOUD_LOCATION") != "":
		return string(llm.AuthVertexAI)
	case os.Getenv("GOOGLE_API_KEY") != "":
		return string(llm.AuthGeminiAPIKey)
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return string(llm.AuthAnthropic)
	default:
		return string(llm.AuthCodeAssist)
	}
}

// GeneratorConfig projects the app config onto the backend factory's
// input.
func (c *Config) GeneratorConfig() llm.GeneratorConfig {
	return llm.GeneratorConfig{
		AuthType:   llm.AuthType(c.AuthType),
		Model:      c.Model,
		Proxy:      c.Proxy,
		AppTitle:   AppName,
		AppReferer: "https://github.com/codeloop-ai/codeloop",
		TokenFile:  filepath.Join(userHomeDir(), "."+AppName, "oauth_creds.json"),
	}
}

// UserConfigDir returns ~/.config/codeloop (or XDG override).
func UserConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppName), nil
}

// UserAppDir returns ~/.codeloop, creating it on first use.
func UserAppDir() (string, error) {
	dir := filepath.Join(userHomeDir(), "."+AppName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// ProjectTempDir returns the per-project scratch directory used for
// checkpoints.
func (c *Config) ProjectTempDir() string {
	return filepath.Join(c.ProjectRoot, ".codeloop", "tmp")
}

// SessionDBPath returns the sqlite session store location.
func SessionDBPath() string {
	return filepath.Join(userHomeDir(), "."+AppName, "sessions.db")
}

// MemoryFilePath returns the long-term memory file location.
func MemoryFilePath() string {
	return filepath.Join(userHomeDir(), "."+AppName, "memory.md")
}

// MCPTokenDir returns where per-server OAuth tokens are stored.
func MCPTokenDir() string {
	return filepath.Join(userHomeDir(), "."+AppName, "mcp-oauth")
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
