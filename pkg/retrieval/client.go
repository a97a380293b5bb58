// Package retrieval fetches knowledge-base snippets used to ground prompts.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/config"
)

// Snippet is one retrieved knowledge fragment.
type Snippet struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	DocID    int64             `json:"doc_id"`
	FileName string            `json:"file_name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Retriever fetches snippets relevant to a query. Retrieval is best effort:
// the turn pipeline proceeds without snippets when it fails.
type Retriever interface {
	Retrieve(ctx context.Context, query string, knowledgeBaseID int64) ([]Snippet, error)
}

// Client calls the hybrid-search retrieval service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	projectID  int64
	topK       int
	score      float64
	logger     *zap.Logger
}

var _ Retriever = (*Client)(nil)

// NewClient creates a retrieval client from configuration.
func NewClient(cfg config.RetrieverConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		projectID:  cfg.ProjectID,
		topK:       cfg.TopK,
		score:      cfg.ScoreThreshold,
		logger:     logger.Named("retrieval"),
	}
}

type retrieveRelation struct {
	KnowledgeBaseID int64  `json:"knowledgeBaseId"`
	Embedding       string `json:"embedding"`
}

type retrieveRequest struct {
	ProjectID      int64              `json:"projectId"`
	Relation       []retrieveRelation `json:"relation"`
	Query          string             `json:"query"`
	IndexMode      string             `json:"indexMode"`
	SimilarityTopK int                `json:"similarityTopK"`
	Score          float64            `json:"score"`
}

type retrieveResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Text     string            `json:"text"`
		Score    float64           `json:"score"`
		DocID    int64             `json:"documentId"`
		FileName string            `json:"fileName"`
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
}

// Retrieve performs a hybrid search against one knowledge base.
func (c *Client) Retrieve(ctx context.Context, query string, knowledgeBaseID int64) ([]Snippet, error) {
	body, err := json.Marshal(retrieveRequest{
		ProjectID:      c.projectID,
		Relation:       []retrieveRelation{{KnowledgeBaseID: knowledgeBaseID, Embedding: ""}},
		Query:          query,
		IndexMode:      "hybrid",
		SimilarityTopK: c.topK,
		Score:          c.score,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call retrieval service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieve response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned %d", resp.StatusCode)
	}

	var parsed retrieveResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}
	if parsed.Code != 0 && parsed.Code != 200 {
		return nil, fmt.Errorf("retrieval service rejected query: %s", parsed.Msg)
	}

	snippets := make([]Snippet, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		snippets = append(snippets, Snippet{
			Text:     d.Text,
			Score:    d.Score,
			DocID:    d.DocID,
			FileName: d.FileName,
			Metadata: d.Metadata,
		})
	}
	c.logger.Debug("retrieved knowledge snippets",
		zap.Int64("knowledge_base_id", knowledgeBaseID),
		zap.Int("count", len(snippets)))
	return snippets, nil
}
