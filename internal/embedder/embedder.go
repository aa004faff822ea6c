// Package embedder provides interfaces and implementations for text embedding.
package embedder

import "context"

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig describes a known embedding model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	ContextLength int // Max tokens the model can process
}

// KnownModels maps embedding model names (Ollama tags and sentence-transformers
// names used by the ingestion scripts) to their configurations.
var KnownModels = map[string]ModelConfig{
	"all-minilm":                             {Dimension: 384, ContextLength: 256},
	"sentence-transformers/all-MiniLM-L6-v2": {Dimension: 384, ContextLength: 256},
	"nomic-embed-text":                       {Dimension: 768, ContextLength: 8192},
	"mxbai-embed-large":                      {Dimension: 1024, ContextLength: 512},
	"snowflake-arctic-embed":                 {Dimension: 1024, ContextLength: 8192},
}

// GetModelConfig returns the configuration for a model. ok is false for unknown models.
func GetModelConfig(modelName string) (cfg ModelConfig, ok bool) {
	cfg, ok = KnownModels[modelName]
	return cfg, ok
}
