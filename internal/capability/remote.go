package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "theta-agents/internal/errors"
)

// predict performs a remote-procedure call against a Gradio-style app: the
// app config is fetched to establish a session, then a single named predict
// call is issued and the configured field is read from the first output.
func (c *Client) predict(ctx context.Context, desc Descriptor, args Arguments) (string, error) {
	if desc.Endpoint == "" {
		return "", xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("能力 %s 未配置 endpoint", desc.Name))
	}
	session, err := c.openSession(ctx, desc)
	if err != nil {
		return "", err
	}

	apiName := desc.APIName
	if apiName == "" {
		apiName = "/predict"
	}
	if !strings.HasPrefix(apiName, "/") {
		apiName = "/" + apiName
	}

	payload := map[string]any{
		"data":         positional(desc, args),
		"session_hash": session,
	}
	var decoded struct {
		Data []any `json:"data"`
	}
	if err := c.postJSON(ctx, desc, desc.Endpoint+"/run"+apiName, payload, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Data) == 0 {
		return "", xerrors.New(CodeMalformedResponse, fmt.Sprintf("能力 %s 的响应没有输出", desc.Name))
	}

	output, ok := decoded.Data[0].(map[string]any)
	if !ok {
		return "", xerrors.New(CodeMalformedResponse, fmt.Sprintf("能力 %s 的输出不是映射", desc.Name))
	}
	field := desc.ResultField
	if field == "" {
		field = "url"
	}
	value, ok := output[field].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", xerrors.New(CodeMalformedResponse,
			fmt.Sprintf("能力 %s 的输出缺少字段 %s", desc.Name, field),
			xerrors.WithMetadata("field", field))
	}
	return value, nil
}

// openSession checks that the app is reachable and returns a session hash.
func (c *Client) openSession(ctx context.Context, desc Descriptor) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Endpoint+"/config", nil)
	if err != nil {
		return "", xerrors.Wrap(CodeBackendUnreachable, err, fmt.Sprintf("构建 %s 会话请求失败", desc.Name))
	}
	if key := desc.Credentials.APIKey; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "建立会话超时或被取消"); coded != nil {
			return "", coded
		}
		return "", xerrors.Wrap(CodeBackendUnreachable, err, fmt.Sprintf("无法与 %s 建立会话", desc.Name))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(CodeBackendUnreachable,
			fmt.Sprintf("与 %s 建立会话失败，状态 %d", desc.Name, resp.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	return c.session(), nil
}
