package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder computes text embeddings for memory recall. Implements
// memory.EmbeddingProvider; a client without an embedding model degrades
// recall to lexical-only.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder { return &Embedder{client: client} }

func (e *Embedder) Available() bool { return e.client.cfg.EmbeddingModel != "" }

func (e *Embedder) Model() string { return e.client.cfg.EmbeddingModel }

// Embed returns the embedding vector for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !e.Available() {
		return nil, fmt.Errorf("embedding model not configured")
	}
	timeout := 30 * time.Second
	if e.client.cfg.EmbedTimeoutSecs > 0 {
		timeout = time.Duration(e.client.cfg.EmbedTimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.client.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.client.cfg.EmbeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding returned no data")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	copy(vec, resp.Data[0].Embedding)
	return vec, nil
}
