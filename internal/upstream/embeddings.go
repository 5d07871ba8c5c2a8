package upstream

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Embeddings dispatches an embeddings request against the translated
// surface, the only surface Upstream exposes for this call per §4.B.
func (c *Client) Embeddings(ctx context.Context, req openai.EmbeddingRequest) (*openai.EmbeddingResponse, error) {
	client := c.openaiClient()
	resp, err := client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, translateOpenAIErr(err)
	}
	return &resp, nil
}
