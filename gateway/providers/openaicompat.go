package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codepod-dev/codepod/gateway"
	"github.com/codepod-dev/codepod/types"
)

// The chat-completions wire format shared by OpenAI and the OpenAI-compatible
// vendors (GLM and friends).

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type oaiChoice struct {
	Index        int        `json:"index"`
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
}

type oaiErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

// BearerTokenHeaders sets the standard Authorization header.
func BearerTokenHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// ChatOpenAICompat posts a chat-completions request and converts the reply
// into a gateway.Response. headers customizes auth per vendor.
func ChatOpenAICompat(
	ctx context.Context,
	client *http.Client,
	endpoint, provider, model, message string,
	reqContext map[string]any,
	opts *gateway.ChatOptions,
	costPerToken float64,
	headers func(*http.Request),
) (*gateway.Response, error) {
	system, history := ExtractContext(reqContext)

	var messages []oaiMessage
	if system != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: system})
	}
	for _, h := range history {
		messages = append(messages, oaiMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: message})

	body := oaiRequest{Model: model, Messages: messages}
	if opts != nil {
		body.MaxTokens = opts.MaxTokens
		body.Temperature = opts.Temperature
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	headers(httpReq)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(provider).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapError(resp.StatusCode, ReadOpenAIErrMsg(resp.Body), provider).
			WithRetryAfter(RetryAfter(resp.Header))
	}

	var or oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, types.NewError(types.ErrProviderError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(provider).WithCause(err)
	}
	if len(or.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderError, provider+" returned no choices").
			WithProvider(provider)
	}

	out := &gateway.Response{
		Content:   or.Choices[0].Message.Content,
		Provider:  provider,
		Model:     or.Model,
		RequestID: or.ID,
		Latency:   time.Since(start),
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	if or.Usage != nil {
		out.TokensUsed = or.Usage.TotalTokens
	} else {
		out.TokensUsed = EstimateTokens(message + out.Content)
	}
	out.Cost = float64(out.TokensUsed) * costPerToken
	return out, nil
}

// ReadOpenAIErrMsg extracts the error message from an OpenAI-style error body.
func ReadOpenAIErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp oaiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}
