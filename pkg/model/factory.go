// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"context"
	"fmt"
	"time"
)

// Config selects and configures a provider. Only the fields for the chosen
// provider need to be set.
type Config struct {
	Provider    string        `yaml:"provider" json:"provider" mapstructure:"provider"`
	Model       string        `yaml:"model,omitempty" json:"model,omitempty" mapstructure:"model"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature,omitempty" json:"temperature,omitempty" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`

	// Anthropic direct API.
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty" mapstructure:"api_key"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// AWS Bedrock.
	Region          string `yaml:"region,omitempty" json:"region,omitempty" mapstructure:"region"`
	Profile         string `yaml:"profile,omitempty" json:"profile,omitempty" mapstructure:"profile"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	SessionToken    string `yaml:"session_token,omitempty" json:"session_token,omitempty" mapstructure:"session_token"`
}

// Factory builds a client for the configured provider.
func Factory(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Endpoint:    cfg.Endpoint,
			Timeout:     cfg.Timeout,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case "bedrock":
		return NewBedrockClient(ctx, BedrockConfig{
			ModelID:         cfg.Model,
			Region:          cfg.Region,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			MaxTokens:       cfg.MaxTokens,
			Temperature:     cfg.Temperature,
		})
	case "scripted":
		// Dry-run mode: every completion is a plain acknowledgment.
		return NewScriptedLoop(&Completion{Text: "dry run: no model configured"}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q (want anthropic, bedrock, or scripted)", cfg.Provider)
	}
}
