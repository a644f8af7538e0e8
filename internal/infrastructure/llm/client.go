// Package llm speaks the OpenAI-compatible chat completions API used by the
// translation and summarization jobs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"mailbot/internal/infrastructure/config"
	"mailbot/internal/shared/logger"
)

// Client is the model-call contract the jobs depend on.
type Client interface {
	Translate(ctx context.Context, text string) (string, error)
	Summarize(ctx context.Context, text string) (string, error)
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Temperature float64        `json:"temperature"`
	ChatKwargs  map[string]any `json:"chat_template_kwargs,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type OpenAIClient struct {
	http *resty.Client
	cfg  config.LLMConfig
	log  logger.Interface
}

func NewOpenAIClient(cfg config.LLMConfig, log logger.Interface) *OpenAIClient {
	http := resty.New().
		SetBaseURL(normalizeBase(cfg.APIBase)).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0) // retries belong to the dispatcher, not the transport
	return &OpenAIClient{http: http, cfg: cfg, log: log.Named("llm")}
}

// normalizeBase appends the /v1 path segment providers expect when the
// configured base omits it.
func normalizeBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return base
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

func (c *OpenAIClient) Translate(ctx context.Context, text string) (string, error) {
	lang := c.cfg.TargetLang
	if lang == "" {
		lang = "zh-CN"
	}
	system := fmt.Sprintf(
		"You are a professional translator. Translate the user's text into %s. "+
			"Keep every '-----' separator line exactly where it appears, one per segment. "+
			"Preserve numbers, names, URLs and formatting. Output only the translation.", lang)
	return c.chat(ctx, "translate", c.cfg.TranslatorModel, system, text,
		time.Duration(c.cfg.TranslateTimeout())*time.Second)
}

func (c *OpenAIClient) Summarize(ctx context.Context, text string) (string, error) {
	system := "You are an assistant that summarizes email digests. " +
		"Write a concise summary in simplified Chinese as clean HTML using only " +
		"<h3>, <p>, <ul>, <li>, <b> and <a> tags. Group related items and keep links."
	return c.chat(ctx, "summarize", c.cfg.SummarizerModel, system, text,
		time.Duration(c.cfg.SummarizeTimeout())*time.Second)
}

func (c *OpenAIClient) chat(ctx context.Context, op, model, system, user string, timeout time.Duration) (string, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	if !c.cfg.EnableThinking {
		req.ChatKwargs = map[string]any{"enable_thinking": false}
	} else if c.cfg.ThinkingBudget > 0 {
		req.ChatKwargs = map[string]any{"enable_thinking": true, "thinking_budget": c.cfg.ThinkingBudget}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", classifyTransport(op, err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(resp.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", newError(KindTransport, op, fmt.Errorf("status %d: %s", resp.StatusCode(), msg))
	}
	if out.Error != nil {
		return "", newError(KindInvalidResponse, op, fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", newError(KindInvalidResponse, op, errors.New("empty choices"))
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", newError(KindInvalidResponse, op, errors.New("empty completion content"))
	}
	return content, nil
}

func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return newError(KindTimeout, op, err)
	}
	return newError(KindTransport, op, err)
}
