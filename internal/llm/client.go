// Package llm talks to the OpenRouter chat completions API for vision
// extraction of flyer pages.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/spherical/flyer-offers/internal/domain"
)

const (
	openRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultModel  = "google/gemini-2.5-flash"

	// maxErrorBody caps how much of a failed response ends up in the error.
	maxErrorBody = 512
)

// Config configures a Client.
type Config struct {
	APIKey            string
	Model             string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxTokens         int
}

// Client handles communication with OpenRouter API. It performs exactly one
// HTTP call per ExtractProducts; retries are the dispatcher's job.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant message of a completion.
type ChoiceMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewClient creates a new LLM client
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    cfg.BaseURL,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// WithTransport swaps the HTTP transport, used by tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.httpClient.Transport = rt
	return c
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string {
	return c.model
}

// ExtractProducts sends one image with the given instructions and returns the
// raw assistant content. Non-200 responses become domain.StatusError so the
// dispatcher can decide whether to retry.
func (c *Client) ExtractProducts(ctx context.Context, image domain.ImageRef, instructions string) (string, error) {
	if c.apiKey == "" {
		return "", domain.ConfigError("OPENROUTER_API_KEY not set", nil)
	}

	req, err := c.buildRequest(image, instructions)
	if err != nil {
		return "", domain.APIError("failed to build request", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", domain.APIError("failed to marshal request", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", domain.APIError("failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/spherical/flyer-offers")
	httpReq.Header.Set("X-Title", "Flyer Offer Extractor")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Only 429 and 5xx responses are retried; a failed send is final.
		return "", domain.APIError("failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", domain.StatusError(resp.StatusCode, fmt.Sprintf("API returned: %s", strings.TrimSpace(string(bodyBytes))))
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.MalformedError("failed to decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", domain.MalformedError("response has no choices", nil)
	}

	return parsed.Choices[0].Message.Content, nil
}

// buildRequest constructs the API request with the image
func (c *Client) buildRequest(image domain.ImageRef, instructions string) (*Request, error) {
	imageURL, err := imageDataURL(image)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Role: "user",
		Content: []ContentPart{
			{
				Type: "text",
				Text: instructions,
			},
			{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: imageURL,
				},
			},
		},
	}

	return &Request{
		Model:     c.model,
		Messages:  []Message{msg},
		MaxTokens: c.maxTokens,
	}, nil
}

// imageDataURL returns a base64 data URL for inline or local images, or the
// remote URL unchanged.
func imageDataURL(image domain.ImageRef) (string, error) {
	data := image.Data
	if len(data) == 0 {
		switch {
		case image.Path != "":
			var err error
			data, err = os.ReadFile(image.Path)
			if err != nil {
				return "", fmt.Errorf("failed to read image: %w", err)
			}
		case image.URL != "":
			return image.URL, nil
		default:
			return "", fmt.Errorf("image %s has no data", image.Label())
		}
	}

	mime := image.MIMEType
	if mime == "" {
		mime = http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			mime = "image/jpeg"
		}
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
