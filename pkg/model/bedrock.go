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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const (
	// DefaultBedrockModelID is the default Claude model on Bedrock.
	DefaultBedrockModelID = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	// DefaultBedrockRegion is the default AWS region.
	DefaultBedrockRegion = "us-east-1"
)

// BedrockConfig holds configuration for the Bedrock-backed client. Explicit
// credentials win over a named profile, which wins over the default chain.
type BedrockConfig struct {
	ModelID         string
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxTokens       int
	Temperature     float64
}

// BedrockClient runs Claude through AWS Bedrock via the Anthropic SDK's
// Bedrock backend, which handles SigV4 signing and endpoint selection.
type BedrockClient struct {
	client      anthropic.Client
	modelID     string
	region      string
	maxTokens   int64
	temperature float64
}

// NewBedrockClient creates a Bedrock-backed client.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("AWS_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultBedrockModelID
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultBedrockRegion
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	var awsCfg aws.Config
	var err error
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	case cfg.Profile != "":
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		// Default credentials chain: IAM role, env vars, shared profile.
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockClient{
		client:      anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		modelID:     cfg.ModelID,
		region:      cfg.Region,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}, nil
}

// Name returns the provider name.
func (c *BedrockClient) Name() string { return "bedrock" }

// Model returns the model identifier.
func (c *BedrockClient) Model() string { return c.modelID }

// Complete sends the composed snapshot to Bedrock and extracts the proposed
// action from the response.
func (c *BedrockClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if req == nil || req.Snapshot == nil {
		return nil, fmt.Errorf("bedrock: request requires a context snapshot")
	}
	system, user := splitSnapshot(req.Snapshot)
	if user == "" {
		user = "(no conversation yet)"
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelID),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if sdkTools := c.convertToolsToSDK(req); len(sdkTools) > 0 {
		params.Tools = sdkTools
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("bedrock invocation failed: %w", err)
	}
	return c.convertResponse(message), nil
}

func (c *BedrockClient) convertToolsToSDK(req *Request) []anthropic.ToolUnionParam {
	var unions []anthropic.ToolUnionParam
	for _, tool := range req.Tools {
		server, name := firstQualified(tool.Name)
		sdkTool := anthropic.ToolParam{
			Name:        QualifyToolName(server, name),
			Description: anthropic.String(tool.Description),
		}
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		schemaJSON, _ := json.Marshal(schema)
		var inputSchema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(schemaJSON, &inputSchema)
		sdkTool.InputSchema = inputSchema
		unions = append(unions, anthropic.ToolUnionParam{OfTool: &sdkTool})
	}
	return unions
}

func (c *BedrockClient) convertResponse(message *anthropic.Message) *Completion {
	text := ""
	var tool *toolUse
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			if tool != nil {
				continue
			}
			var input map[string]any
			if block.Input != nil {
				_ = json.Unmarshal(block.Input, &input)
			}
			tool = &toolUse{ID: block.ID, Name: block.Name, Input: input}
		}
	}
	inputTokens := int(message.Usage.InputTokens)
	outputTokens := int(message.Usage.OutputTokens)
	return &Completion{
		Text:   text,
		Action: extractAction(text, tool),
		Usage: Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      c.calculateCost(inputTokens, outputTokens),
		},
	}
}

// calculateCost estimates cost for Bedrock Claude models.
func (c *BedrockClient) calculateCost(inputTokens, outputTokens int) float64 {
	var inputPricePerMillion, outputPricePerMillion float64
	switch {
	case strings.Contains(c.modelID, "claude-haiku"):
		inputPricePerMillion = 0.8
		outputPricePerMillion = 4.0
	case strings.Contains(c.modelID, "claude-opus"):
		inputPricePerMillion = 15.0
		outputPricePerMillion = 75.0
	default:
		inputPricePerMillion = 3.0
		outputPricePerMillion = 15.0
	}
	return float64(inputTokens)*inputPricePerMillion/1_000_000 +
		float64(outputTokens)*outputPricePerMillion/1_000_000
}

var _ Client = (*BedrockClient)(nil)
