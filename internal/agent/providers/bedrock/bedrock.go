// Package bedrock implements agent.Provider as a thin wrapper around the
// AWS Bedrock Runtime Converse API, which already normalizes tool-use
// across every foundation model the account has access to, so no
// per-model wire format is needed here the way anthropic.Client hand-rolls
// one for the direct HTTP API.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go/document"

	"github.com/flowforge/engine/internal/agent"
)

type Client struct {
	rt    *bedrockruntime.Client
	model string
}

func New(ctx context.Context, region, model string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{rt: bedrockruntime.NewFromConfig(cfg), model: model}, nil
}

func (c *Client) Name() string { return "bedrock" }

// Refresh is a no-op: credentials are refreshed transparently by the AWS
// SDK's credential provider chain.
func (c *Client) Refresh() error { return nil }

func (c *Client) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []brtypes.Message
	for _, m := range req.Messages {
		msg, err := toConverseMessage(m)
		if err != nil {
			return agent.Response{}, err
		}
		messages = append(messages, msg)
	}

	var toolCfg *brtypes.ToolConfiguration
	if len(req.Tools) > 0 {
		var specs []brtypes.Tool
		for _, t := range req.Tools {
			schemaDoc, err := jsonToDocument(t.Schema)
			if err != nil {
				return agent.Response{}, fmt.Errorf("tool %q schema: %w", t.Name, err)
			}
			specs = append(specs, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpec{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDoc},
				},
			})
		}
		toolCfg = &brtypes.ToolConfiguration{Tools: specs}
	}

	var sysBlocks []brtypes.SystemContentBlock
	if req.System != "" {
		sysBlocks = append(sysBlocks, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}

	out, err := c.rt.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:    aws.String(model),
		Messages:   messages,
		System:     sysBlocks,
		ToolConfig: toolCfg,
	})
	if err != nil {
		if isAuthError(err) {
			return agent.Response{}, &agent.AuthError{Err: err}
		}
		return agent.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}

	return parseConverseOutput(out)
}

func toConverseMessage(m agent.Message) (brtypes.Message, error) {
	role := brtypes.ConversationRoleUser
	if m.Role == agent.RoleAssistant {
		role = brtypes.ConversationRoleAssistant
	}

	var blocks []brtypes.ContentBlock
	if m.Role == agent.RoleTool {
		doc, err := jsonToDocument(json.RawMessage(m.Content))
		if err != nil {
			doc, _ = jsonToDocument(json.RawMessage(fmt.Sprintf("%q", m.Content)))
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
			Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: doc}},
			},
		})
		return brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks}, nil
	}

	if m.Content != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
	}
	for _, tc := range m.ToolCalls {
		doc, err := jsonToDocument(tc.Args)
		if err != nil {
			return brtypes.Message{}, err
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: doc},
		})
	}
	return brtypes.Message{Role: role, Content: blocks}, nil
}

func parseConverseOutput(out *bedrockruntime.ConverseOutput) (agent.Response, error) {
	var resp agent.Response
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, fmt.Errorf("bedrock converse: unexpected output shape")
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Content += b.Value
		case *brtypes.ContentBlockMemberToolUse:
			args, err := documentToJSON(b.Value.Input)
			if err != nil {
				return resp, err
			}
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:   aws.ToString(b.Value.ToolUseId),
				Name: aws.ToString(b.Value.Name),
				Args: args,
			})
		}
	}
	return resp, nil
}

func jsonToDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(v), nil
}

func documentToJSON(doc document.Interface) (json.RawMessage, error) {
	var v interface{}
	if doc != nil {
		if err := doc.UnmarshalSmithyDocument(&v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(v)
}

func isAuthError(err error) bool {
	// The Bedrock Runtime SDK surfaces auth failures as an
	// UnrecognizedClientException / AccessDeniedException smithy error; a
	// substring check keeps this provider from depending on every API
	// error type the service can return.
	msg := err.Error()
	for _, sub := range []string{"UnrecognizedClientException", "AccessDeniedException", "ExpiredTokenException"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
