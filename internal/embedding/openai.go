package embedding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/errs"
)

const (
	RemoteModelVersion     = "remote-http"
	RemoteDefaultBaseURL   = "https://api.openai.com/v1"
	RemoteDefaultModel     = "text-embedding-3-small"
	RemoteDefaultDimension = 1536
	remoteHTTPTimeout      = 30 * time.Second
)

// remoteModel is the "remote provider" of spec §4.5: an OpenAI-compatible
// embedding HTTP API, classifying failures into the EMBEDDING subkinds the
// error taxonomy requires. Grounded in the teacher's openai.go, generalized
// from an OpenAI-only name to "any OpenAI-wire-compatible endpoint" (the
// teacher already supported LiteLLM-proxy pass-through for the same reason).
type remoteModel struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
}

type remoteEmbedRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model"`
	EncodingFormat string      `json:"encoding_format"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "Remote HTTP Embedding",
		Version:     RemoteModelVersion,
		Dimensions:  RemoteDefaultDimension,
		Description: "OpenAI-wire-compatible embedding via REST API",
	}, newRemoteModel)
}

func newRemoteModel() (EmbeddingModel, error) {
	cfg := config.Get()
	if cfg.EmbeddingAPIKey == "" {
		return nil, errs.New(errs.Embedding, errs.SubAuth, errs.SeverityCritical, false,
			"remote embedding provider requires an API key", nil)
	}

	baseURL := cfg.EmbeddingBaseURL
	if baseURL == "" {
		baseURL = RemoteDefaultBaseURL
	}
	modelName := cfg.EmbeddingModelName
	if modelName == "" {
		modelName = RemoteDefaultModel
	}
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = RemoteDefaultDimension
	}

	return &remoteModel{
		client:     &http.Client{Timeout: remoteHTTPTimeout},
		baseURL:    baseURL,
		apiKey:     cfg.EmbeddingAPIKey,
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

func (m *remoteModel) Name() string    { return "Remote HTTP Embedding" }
func (m *remoteModel) Version() string { return RemoteModelVersion }
func (m *remoteModel) Dimensions() int { return m.dimensions }
func (m *remoteModel) Close() error    { return nil }

func (m *remoteModel) HealthCheck() HealthStatus {
	req, err := http.NewRequest(http.MethodGet, m.baseURL+"/models", nil)
	if err != nil {
		return HealthStatus{Initialized: false, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	resp, err := m.client.Do(req)
	if err != nil {
		return HealthStatus{Initialized: false, Detail: "network", Err: err}
	}
	defer resp.Body.Close()
	return HealthStatus{Initialized: resp.StatusCode < 500, Detail: fmt.Sprintf("status=%d", resp.StatusCode)}
}

func (m *remoteModel) Embed(text string) ([]float32, error) {
	if text == "" {
		return make([]float32, m.dimensions), nil
	}
	results, err := m.embedRequest(text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errs.New(errs.Embedding, errs.SubProvider, errs.SeverityMedium, true,
			"embedding API returned no results", map[string]any{"model": m.modelName})
	}
	return results[0], nil
}

func (m *remoteModel) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := m.embedRequest(texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, errs.New(errs.Embedding, errs.SubProvider, errs.SeverityMedium, true,
			"embedding API returned mismatched result count",
			map[string]any{"expected": len(texts), "got": len(results), "model": m.modelName})
	}
	return results, nil
}

func (m *remoteModel) embedRequest(input interface{}) ([][]float32, error) {
	reqBody := remoteEmbedRequest{
		Input:          input,
		Model:          m.modelName,
		EncodingFormat: "float",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errs.Wrap(errs.Embedding, errs.SubConfig, errs.SeverityHigh, false, "marshal embedding request", err, nil)
	}

	req, err := http.NewRequest(http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.Embedding, errs.SubConfig, errs.SeverityHigh, false, "create embedding request", err, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err, m.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatusErr(resp.StatusCode, m.modelName, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, errs.Wrap(errs.Embedding, errs.SubProvider, errs.SeverityMedium, true, "decode embedding response", err, nil)
	}

	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}
	return results, nil
}

func classifyTransportErr(err error, baseURL string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.Embedding, errs.SubTimeout, errs.SeverityMedium, true, "embedding request timed out", err,
			map[string]any{"base_url": baseURL})
	}
	return errs.Wrap(errs.Embedding, errs.SubNetwork, errs.SeverityMedium, true, "embedding request failed", err,
		map[string]any{"base_url": baseURL})
}

func classifyStatusErr(status int, model, snippet string) error {
	ctx := map[string]any{"model": model, "status": status, "body": snippet}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.Embedding, errs.SubAuth, errs.SeverityCritical, false, "embedding API authentication failed", ctx)
	case status == http.StatusTooManyRequests:
		return errs.New(errs.Embedding, errs.SubQuota, errs.SeverityMedium, true, "embedding API rate limit or quota exceeded", ctx)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.New(errs.Embedding, errs.SubTimeout, errs.SeverityMedium, true, "embedding API request timed out", ctx)
	case status >= 500:
		return errs.New(errs.Embedding, errs.SubProvider, errs.SeverityMedium, true, "embedding API server error", ctx)
	default:
		return errs.New(errs.Embedding, errs.SubProvider, errs.SeverityMedium, false, "embedding API error", ctx)
	}
}
