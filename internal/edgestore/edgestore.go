// Package edgestore uploads files to Theta EdgeStore with a signed,
// single-use authorization token.
package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "theta-agents/internal/errors"
	"theta-agents/pkg/logger"
)

const (
	// DefaultEndpoint is the EdgeStore data upload route.
	DefaultEndpoint = "https://api.thetaedgestore.com/api/v2/data"
	// AuthHeader carries the signed authorization token.
	AuthHeader = "x-theta-edgestore-auth"

	maxResponseBytes = 1 << 20
)

const (
	CodeAuthTokenConstructionFailed xerrors.Code = "AUTH_TOKEN_CONSTRUCTION_FAILED"
	CodeUploadRejected              xerrors.Code = "UPLOAD_REJECTED"
)

func init() {
	xerrors.Register(CodeAuthTokenConstructionFailed, xerrors.Attributes{
		Message:  "failed to construct edgestore authorization token",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryWorkflowStage,
	})
	xerrors.Register(CodeUploadRejected, xerrors.Attributes{
		Message:  "edgestore rejected the upload",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryWorkflowStage,
	})
}

// TextSigner signs EIP-191 personal messages.
type TextSigner interface {
	Address() common.Address
	SignText(msg []byte) ([]byte, error)
}

// Authorization is the proof attached to one upload.
type Authorization struct {
	Timestamp int64
	Address   common.Address
	Signature []byte
}

// Message returns the challenge string that was signed.
func (a Authorization) Message() string {
	return challenge(a.Timestamp)
}

// Token renders the header value "{timestamp}.{address}.{0xsignature}".
func (a Authorization) Token() string {
	return fmt.Sprintf("%d.%s.%s", a.Timestamp, a.Address.Hex(), hexutil.Encode(a.Signature))
}

func challenge(ts int64) string {
	return fmt.Sprintf("Theta EdgeStore Call %d", ts)
}

// Authorize signs the challenge for the given instant.
func Authorize(signer TextSigner, now time.Time) (Authorization, error) {
	if signer == nil {
		return Authorization{}, xerrors.New(CodeAuthTokenConstructionFailed, "未提供签名器")
	}
	ts := now.UnixMilli()
	sig, err := signer.SignText([]byte(challenge(ts)))
	if err != nil {
		return Authorization{}, xerrors.Wrap(CodeAuthTokenConstructionFailed, err, "签名 EdgeStore 授权消息失败")
	}
	return Authorization{Timestamp: ts, Address: signer.Address(), Signature: sig}, nil
}

// Receipt is the EdgeStore response. Body holds the decoded JSON document
// when the response parses, otherwise Raw holds the verbatim text.
type Receipt struct {
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// Value returns whichever shape the service answered with.
func (r *Receipt) Value() any {
	if r.Body != nil {
		return r.Body
	}
	return r.Raw
}

// Client performs authenticated uploads.
type Client struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
	log        *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithEndpoint overrides the upload route.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if strings.TrimSpace(endpoint) != "" {
			c.endpoint = strings.TrimSpace(endpoint)
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock replaces the time source used for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds an EdgeStore client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		now:        time.Now,
		log:        logger.Named("edgestore"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Upload sends the file at path as a single multipart upload.
func (c *Client) Upload(ctx context.Context, path string, signer TextSigner) (*Receipt, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("文件不存在: %s", path))
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无法读取文件: %s", path))
	}
	defer file.Close()

	auth, err := Authorize(signer, c.now())
	if err != nil {
		return nil, err
	}

	body, contentType := multipartBody(file, filepath.Base(path))
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, xerrors.Wrap(CodeUploadRejected, err, "构建上传请求失败")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(AuthHeader, auth.Token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "EdgeStore 上传超时或被取消"); coded != nil {
			return nil, coded
		}
		return nil, xerrors.Wrap(CodeUploadRejected, err, "EdgeStore 上传请求失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(CodeUploadRejected, err, "读取 EdgeStore 响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeUploadRejected,
			fmt.Sprintf("EdgeStore 返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	receipt := &Receipt{Status: resp.StatusCode}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded != nil {
		receipt.Body = decoded
	} else {
		receipt.Raw = string(raw)
	}

	c.log.Info("EdgeStore 上传完成",
		slog.String("file", filepath.Base(path)),
		slog.String("address", auth.Address.Hex()),
		slog.Int("status", resp.StatusCode))
	return receipt, nil
}

// multipartBody streams the file as the "file" form field.
func multipartBody(file io.Reader, name string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}
