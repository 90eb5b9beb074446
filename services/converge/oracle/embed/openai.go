// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// apiKeyEnv and apiKeySecretPath are where the remote embedder looks
// for its credential, in that order.
const (
	apiKeyEnv        = "CONVERGE_EMBED_API_KEY"
	apiKeySecretPath = "/run/secrets/converge_embed_api_key"
)

// openAIDim is the width of text-embedding-3-small vectors.
const openAIDim = 1536

// memguardInitOnce arms memguard's interrupt handler exactly once, so
// a SIGINT wipes key material before the process dies.
var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// OpenAIEmbedder embeds text through the OpenAI embeddings API.
//
// The API key never sits in plain process memory: it lives in a
// memguard enclave and is opened only for the duration of each
// request. Remote embeddings are NOT deterministic across provider
// model updates; sessions that must replay byte-identically use the
// hashing embedder instead.
type OpenAIEmbedder struct {
	key   *memguard.Enclave
	model openai.EmbeddingModel
}

// NewOpenAIEmbedder builds the remote embedder, sourcing the key from
// the environment or the mounted secret.
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	initMemguard()

	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		keyBytes, err := os.ReadFile(apiKeySecretPath)
		if err != nil {
			slog.Error("embed API key not set and secret not found",
				"env", apiKeyEnv, "path", apiKeySecretPath)
			return nil, fmt.Errorf("%s not set", apiKeyEnv)
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read embed API key from mounted secret")
	}

	// NewEnclave wipes the source slice. Past this point the key
	// exists only sealed.
	enclave := memguard.NewEnclave([]byte(apiKey))
	return &OpenAIEmbedder{
		key:   enclave,
		model: openai.SmallEmbedding3,
	}, nil
}

// Dim implements Embedder.
func (e *OpenAIEmbedder) Dim() int { return openAIDim }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	buf, err := e.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open embed key enclave: %w", err)
	}
	client := openai.NewClient(buf.String())
	buf.Destroy()

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response carried no vectors")
	}
	return resp.Data[0].Embedding, nil
}
