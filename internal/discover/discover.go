// Package discover finds semantic connections between a node and the rest
// of the graph — the default implementation behind connection_discovery
// jobs, asking a Bedrock-hosted model to propose links given a node's
// summary and a pool of candidate nodes.
package discover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// systemPrompt instructs the model to return only a JSON plan, matching
// the same "no markdown fences, no commentary" discipline used elsewhere
// for LLM-sourced JSON.
const systemPrompt = "You are a knowledge graph analyst. Given a node's summary and a list of " +
	"candidate nodes, return only valid JSON describing which candidates share a real semantic " +
	"connection with the node, no markdown fences, no commentary."

// Candidate is a node eligible for linking, reduced to what the model needs.
type Candidate struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Project string `json:"project"`
}

// Connection is one proposed semantic edge.
type Connection struct {
	ToID   string  `json:"toId"`
	Reason string  `json:"reason"`
	Weight float64 `json:"weight"`
}

type modelPlan struct {
	Connections []Connection `json:"connections"`
}

// Discoverer finds semantic connections for a node among candidates.
type Discoverer interface {
	Discover(ctx context.Context, nodeID, summary string, candidates []Candidate) ([]Connection, error)
}

// BedrockDiscoverer is the default Discoverer, backed by AWS Bedrock.
type BedrockDiscoverer struct {
	client  *bedrockruntime.Client
	modelID string
	timeout time.Duration
}

// New builds a BedrockDiscoverer from an already-configured Bedrock client.
func New(client *bedrockruntime.Client, modelID string) *BedrockDiscoverer {
	return &BedrockDiscoverer{client: client, modelID: modelID, timeout: 30 * time.Second}
}

// anthropicMessagesRequest is the Bedrock "Messages API" request body for
// Anthropic-family models hosted on Bedrock.
type anthropicMessagesRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Discover asks the model which candidates share a real connection with
// the node described by summary, and returns the proposed edges.
func (d *BedrockDiscoverer) Discover(ctx context.Context, nodeID, summary string, candidates []Candidate) ([]Connection, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	userMsg := buildUserMessage(nodeID, summary, candidates)

	reqBody, err := json.Marshal(anthropicMessagesRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		System:           systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: userMsg},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock request: %w", err)
	}

	out, err := d.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(d.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke model: %w", err)
	}

	var resp anthropicMessagesResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil || len(resp.Content) == 0 {
		return nil, fmt.Errorf("bedrock: empty or malformed response")
	}

	return parseConnectionPlan(resp.Content[0].Text, nodeID)
}

// parseConnectionPlan extracts the connection plan from a model's raw text
// response, tolerating markdown fences the same way planFromLLM-style
// callers do, and drops any self-referential or empty-id connection.
func parseConnectionPlan(text, nodeID string) ([]Connection, error) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var plan modelPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("bedrock: invalid connection plan JSON: %w", err)
	}

	filtered := make([]Connection, 0, len(plan.Connections))
	for _, c := range plan.Connections {
		if c.ToID != "" && c.ToID != nodeID {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func buildUserMessage(nodeID, summary string, candidates []Candidate) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Node %s summary: %s\n\nCandidates:\n", nodeID, summary)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s project=%s summary=%s\n", c.ID, c.Project, c.Summary)
	}
	b.WriteString("\nRespond with JSON: {\"connections\": [{\"toId\": \"...\", \"reason\": \"...\", \"weight\": 0.0}]}")
	return b.String()
}
