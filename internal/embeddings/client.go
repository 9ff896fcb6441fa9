// Package embeddings turns message text into vectors for semantic search
// via Amazon Bedrock.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	// ModelTitanEmbedV2 is the model ID for Amazon Titan Embeddings v2.
	ModelTitanEmbedV2 = "amazon.titan-embed-text-v2:0"
	// Dimensions is the vector width produced by Titan Embeddings v2.
	Dimensions = 1024
	// maxInputChars keeps the input under the model's token limit.
	maxInputChars = 30000
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder implements Embedder via Titan Embeddings v2.
type BedrockEmbedder struct {
	client BedrockInvoker
}

// NewBedrockEmbedder creates a BedrockEmbedder.
func NewBedrockEmbedder(client BedrockInvoker) *BedrockEmbedder {
	return &BedrockEmbedder{client: client}
}

// titanRequest is the request body for Titan Embeddings v2.
type titanRequest struct {
	InputText string `json:"inputText"`
}

// titanResponse is the response body from Titan Embeddings v2.
type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a vector for the given text, truncating oversized input
// at a rune boundary first.
func (c *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > maxInputChars {
		cut := maxInputChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	reqBody, err := json.Marshal(titanRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	modelID := ModelTitanEmbedV2
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: &modelID,
		Body:    reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("model returned empty embedding")
	}

	return resp.Embedding, nil
}
