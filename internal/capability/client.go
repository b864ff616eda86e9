package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "theta-agents/internal/errors"
	"theta-agents/pkg/logger"
)

// Arguments are the named tool arguments chosen by the model.
type Arguments map[string]any

// String returns the argument as a trimmed string, or "" when absent.
func (a Arguments) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Client speaks to remote-procedure and direct-inference backends through a
// single invoke contract.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger
	session    func() string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for every backend call.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used to report backend failures.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient builds a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logger.Named("capability"),
		session:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Invoke runs one capability call. Failures, including panics inside a
// backend, come back as a failed Result.
func (c *Client) Invoke(ctx context.Context, desc Descriptor, args Arguments) (res Result) {
	ctx, span := otel.Tracer("theta-agents/capability").Start(ctx, "capability.invoke")
	span.SetAttributes(
		attribute.String("capability.name", desc.Name),
		attribute.String("capability.kind", string(desc.Kind)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res = Failed(desc.Name, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("能力 %s 调用异常: %v", desc.Name, r)))
		}
		if !res.OK() {
			span.SetStatus(codes.Error, res.Failure.Message)
			err := res.Err()
			c.log.Log(ctx, xerrors.LogLevel(err), "能力调用失败",
				slog.String("capability", desc.Name),
				slog.String("kind", string(desc.Kind)),
				slog.String("code", string(res.Failure.Code)),
				slog.Bool("retryable", res.Failure.Retryable),
				slog.Bool("alert", xerrors.ShouldAlert(err)),
				slog.String("error", res.Failure.Message),
			)
		}
	}()

	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	var (
		value string
		err   error
	)
	switch desc.Kind {
	case RemoteProcedure:
		value, err = c.predict(ctx, desc, args)
	case DirectInference:
		value, err = c.infer(ctx, desc, args)
	default:
		err = xerrors.New(CodeUnsupportedBackend,
			fmt.Sprintf("能力 %s 的后端类型 %q 不受支持", desc.Name, string(desc.Kind)),
			xerrors.WithMetadata("backend_kind", string(desc.Kind)))
	}
	if err != nil {
		return Failed(desc.Name, err)
	}
	return Succeeded(desc.Name, value)
}

// postJSON issues a JSON POST and decodes a JSON response into out.
func (c *Client) postJSON(ctx context.Context, desc Descriptor, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if key := desc.Credentials.APIKey; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "能力调用超时或被取消"); coded != nil {
			return coded
		}
		return xerrors.Wrap(CodeBackendUnreachable, err, fmt.Sprintf("无法连接能力后端 %s", desc.Name))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeBackendRejected,
			fmt.Sprintf("能力后端 %s 返回错误状态 %d: %s", desc.Name, resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeMalformedResponse, err, fmt.Sprintf("解析能力后端 %s 响应失败", desc.Name))
	}
	return nil
}

// positional orders the named arguments into the payload list.
func positional(desc Descriptor, args Arguments) []any {
	out := make([]any, 0, len(desc.Parameters))
	for _, name := range desc.Parameters {
		out = append(out, args[name])
	}
	return out
}

// prompt returns the primary text argument.
func prompt(desc Descriptor, args Arguments) (string, error) {
	name := "prompt"
	if len(desc.Parameters) > 0 {
		name = desc.Parameters[0]
	}
	text := args.String(name)
	if text == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 缺少参数 %s", desc.Name, name))
	}
	return text, nil
}
