// Package classify maps message content to one of the closed category
// labels via Amazon Bedrock, with a deterministic keyword fallback.
// Classification never fails: remote errors collapse to the fallback.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/inboxkit/syncd/internal/account"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

const (
	// DefaultModelID is the default Bedrock model for classification.
	DefaultModelID = "anthropic.claude-haiku-4-5-20251001-v1:0"
	// maxSubjectInput is the maximum subject chars sent to the model.
	maxSubjectInput = 500
	// maxBodyInput is the maximum body text chars sent to the model.
	maxBodyInput = 4000
	// maxTokens bounds the model reply; a label is a few tokens.
	maxTokens = 32
	// anthropicVersion is the required API version for Claude on Bedrock.
	anthropicVersion = "bedrock-2023-05-31"
)

// Input is the content handed to the classifier.
type Input struct {
	Subject string
	Body    string
	From    string
}

// Classifier assigns a category to message content. Implementations must
// always return a category.
type Classifier interface {
	Classify(ctx context.Context, in Input) account.Category
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// FallbackRecorder counts classifications resolved without the remote model.
type FallbackRecorder interface {
	ClassifierFallback(reason string)
}

// Config holds configuration for the Bedrock classifier.
type Config struct {
	ModelID string
}

// BedrockClassifier classifies messages via a Claude model on Bedrock,
// falling back to keyword rules whenever the remote path cannot decide.
type BedrockClassifier struct {
	client   BedrockInvoker
	modelID  string
	recorder FallbackRecorder
}

// NewBedrockClassifier creates a BedrockClassifier. client may be nil to
// disable the remote path; recorder may be nil.
func NewBedrockClassifier(client BedrockInvoker, cfg Config, recorder FallbackRecorder) *BedrockClassifier {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	return &BedrockClassifier{
		client:   client,
		modelID:  modelID,
		recorder: recorder,
	}
}

// claudeRequest is the Claude Messages API request format for Bedrock.
type claudeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
}

// message represents a message in the Claude Messages API.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// claudeResponse is the Claude Messages API response format.
type claudeResponse struct {
	Content []contentBlock `json:"content"`
}

// contentBlock represents a content block in the response.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const promptTemplate = `Categorize this email. Reply with exactly one of these labels and nothing else:
Interested
Meeting Booked
Not Interested
Spam
Out of Office

Subject: %s
From: %s
---
%s`

// Classify returns a category for the input. The remote model is
// consulted first; any failure or unrecognized reply falls through to the
// keyword rules, and finally to Uncategorized.
func (c *BedrockClassifier) Classify(ctx context.Context, in Input) account.Category {
	subject := truncateRunes(in.Subject, maxSubjectInput)
	body := truncateRunes(in.Body, maxBodyInput)

	if c.client == nil {
		return c.fallback("disabled", subject, body)
	}

	label, err := c.invoke(ctx, subject, body, in.From)
	if err != nil {
		logger.WarnContext(ctx, "Remote classification failed, using keyword fallback",
			slog.String("model_id", c.modelID),
			slog.String("error", err.Error()),
		)
		return c.fallback("remote_error", subject, body)
	}

	if cat, ok := account.ParseCategory(label); ok {
		return cat
	}
	return c.fallback("unrecognized_label", subject, body)
}

// invoke sends one classification request and returns the raw reply text.
func (c *BedrockClassifier) invoke(ctx context.Context, subject, body, from string) (string, error) {
	prompt := fmt.Sprintf(promptTemplate, subject, from, body)

	reqBody, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages: []message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	modelID := c.modelID
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: &modelID,
		Body:    reqBody,
	})
	if err != nil {
		return "", fmt.Errorf("invoke model: %w", err)
	}

	var resp claudeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Content[0].Text), nil
}

func (c *BedrockClassifier) fallback(reason, subject, body string) account.Category {
	if c.recorder != nil {
		c.recorder.ClassifierFallback(reason)
	}
	return FallbackCategory(subject, body)
}

// fallbackRules are the fixed keyword sets, in priority order.
var fallbackRules = []struct {
	category account.Category
	keywords []string
}{
	{account.CategorySpam, []string{"unsubscribe", "promotional", "offer", "discount", "limited time", "act now"}},
	{account.CategoryOutOfOffice, []string{"out of office", "vacation", "away", "automatic reply", "auto-reply"}},
	{account.CategoryMeetingBooked, []string{"meeting", "call", "schedule", "appointment", "booked", "calendar"}},
	{account.CategoryNotInterested, []string{"not interested", "decline", "reject", "no thank", "pass"}},
	{account.CategoryInterested, []string{"interested", "yes", "sounds good", "let's do", "count me in"}},
}

// FallbackCategory applies the deterministic keyword rules over the
// normalized subject and body, returning Uncategorized when nothing
// matches. The rule order is fixed; the first matching set wins.
func FallbackCategory(subject, body string) account.Category {
	text := strings.ToLower(subject + " " + body)
	for _, rule := range fallbackRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}
	return account.CategoryUncategorized
}

// truncateRunes cuts s to at most max characters, never splitting a rune.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
