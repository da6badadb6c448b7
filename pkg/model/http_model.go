package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
)

const responseSchemaURL = "https://scratcha.schemas.local/model/generate-response.schema.json"

const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["media_base64", "prompt", "options", "answer", "model_version"],
  "properties": {
    "media_base64": {"type": "string", "minLength": 1},
    "media_type": {"type": "string"},
    "prompt": {"type": "string", "minLength": 1},
    "options": {"type": "array", "minItems": 2, "items": {"type": "string", "minLength": 1}},
    "answer": {"type": "string", "minLength": 1},
    "model_version": {"type": "string", "minLength": 1},
    "target_path": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["x", "y"],
        "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
      }
    }
  }
}`

// maxResponseBytes caps a model response; media is inlined as base64.
const maxResponseBytes = 16 << 20

// HTTPModel calls the model service over JSON/HTTP.
type HTTPModel struct {
	endpoint string
	apiKey   string
	client   *http.Client
	schema   *jsonschema.Schema
}

// NewHTTPModel builds a client for endpoint. Per-call deadlines come from ctx.
func NewHTTPModel(endpoint, apiKey string) (*HTTPModel, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("model: schema load failed: %w", err)
	}
	schema, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("model: schema compile failed: %w", err)
	}
	return &HTTPModel{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 2 * time.Minute},
		schema:   schema,
	}, nil
}

type generateRequest struct {
	Difficulty string `json:"difficulty"`
	Seed       uint64 `json:"seed"`
}

type generateResponse struct {
	MediaBase64  string            `json:"media_base64"`
	MediaType    string            `json:"media_type"`
	Prompt       string            `json:"prompt"`
	Options      []string          `json:"options"`
	Answer       string            `json:"answer"`
	ModelVersion string            `json:"model_version"`
	TargetPath   []challenge.Point `json:"target_path"`
}

func (m *HTTPModel) Generate(ctx context.Context, r Request) (*Generated, error) {
	body, err := json.Marshal(generateRequest{Difficulty: r.Difficulty, Seed: r.Seed})
	if err != nil {
		return nil, fmt.Errorf("model: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("model: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("model: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("model: service returned %d", resp.StatusCode)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrMalformed, err)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	media, err := base64.StdEncoding.DecodeString(out.MediaBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: media is not base64: %v", ErrMalformed, err)
	}

	g := &Generated{
		Media:        media,
		MediaType:    out.MediaType,
		Prompt:       out.Prompt,
		Options:      out.Options,
		Answer:       out.Answer,
		TargetPath:   out.TargetPath,
		ModelVersion: out.ModelVersion,
	}
	if g.MediaType == "" {
		g.MediaType = http.DetectContentType(media)
	}
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}
