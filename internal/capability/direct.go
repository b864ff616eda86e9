package capability

import (
	"context"
	"fmt"
	"strings"

	xerrors "theta-agents/internal/errors"
)

// infer performs a direct-inference call against an OpenAI-compatible API.
func (c *Client) infer(ctx context.Context, desc Descriptor, args Arguments) (string, error) {
	if desc.Endpoint == "" {
		return "", xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("能力 %s 未配置 endpoint", desc.Name))
	}
	text, err := prompt(desc, args)
	if err != nil {
		return "", err
	}

	switch desc.Operation {
	case OperationImageGeneration:
		return c.generateImage(ctx, desc, text)
	case OperationChatCompletion:
		return c.complete(ctx, desc, text)
	default:
		return "", xerrors.New(CodeUnsupportedBackend,
			fmt.Sprintf("能力 %s 不支持 direct-inference 后端", desc.Name),
			xerrors.WithMetadata("backend_kind", string(desc.Kind)))
	}
}

func (c *Client) generateImage(ctx context.Context, desc Descriptor, text string) (string, error) {
	size := desc.ImageSize
	if size == "" {
		size = "256x256"
	}
	payload := map[string]any{
		"model":  desc.Model,
		"prompt": text,
		"size":   size,
		"n":      1,
	}
	var decoded struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, desc, desc.Endpoint+"/images/generations", payload, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Data) == 0 {
		return "", xerrors.New(CodeMalformedResponse, fmt.Sprintf("能力 %s 的结果列表为空", desc.Name))
	}
	url := strings.TrimSpace(decoded.Data[0].URL)
	if url == "" {
		return "", xerrors.New(CodeMalformedResponse, fmt.Sprintf("能力 %s 的首个结果缺少 url", desc.Name))
	}
	return url, nil
}

func (c *Client) complete(ctx context.Context, desc Descriptor, text string) (string, error) {
	payload := map[string]any{
		"model": desc.Model,
		"messages": []map[string]string{
			{"role": "user", "content": text},
		},
	}
	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, desc, desc.Endpoint+"/chat/completions", payload, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(CodeMalformedResponse, fmt.Sprintf("能力 %s 的结果列表为空", desc.Name))
	}
	return decoded.Choices[0].Message.Content, nil
}
