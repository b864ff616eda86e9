// Package thetavideo is an HTTP client for the Theta Video API: upload
// slots, presigned payload transfer, transcode jobs and video status.
package thetavideo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	xerrors "theta-agents/internal/errors"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.thetavideoapi.com"
	// DefaultNFTCollection is the collection new videos are attached to.
	DefaultNFTCollection = "0x5d0004fe2e0ec6d002678c7fa01026cabde9e793"

	headerAccountID     = "x-tva-sa-id"
	headerAccountSecret = "x-tva-sa-secret"
)

// CodeAPIError marks an API call that could not be completed. The workflow
// layer maps it onto the stage that issued the call.
const CodeAPIError xerrors.Code = "VIDEO_API_ERROR"

func init() {
	xerrors.Register(CodeAPIError, xerrors.Attributes{
		Message:  "theta video api call failed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryBackend,
	})
}

// Credentials is the service account pair sent on every call.
type Credentials struct {
	AccountID     string
	AccountSecret string
}

// UploadSlot is a presigned destination for one payload.
type UploadSlot struct {
	ID           string `json:"id"`
	PresignedURL string `json:"presigned_url"`
}

// TranscodeRequest describes a new video built from an upload.
type TranscodeRequest struct {
	SourceUploadID string            `json:"source_upload_id"`
	PlaybackPolicy string            `json:"playback_policy"`
	NFTCollection  string            `json:"nft_collection,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Video is the status document of a transcode job.
type Video struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	SubState    string  `json:"sub_state,omitempty"`
	Progress    float64 `json:"progress"`
	PlaybackURI string  `json:"playback_uri"`
	PlayerURI   string  `json:"player_uri,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Terminal reports whether the job has stopped changing.
func (v Video) Terminal() bool {
	if strings.TrimSpace(v.PlaybackURI) != "" {
		return true
	}
	switch strings.ToLower(v.State) {
	case "success", "error", "failed", "cancelled", "canceled":
		return true
	}
	return false
}

// Client talks to the Theta Video API.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if strings.TrimSpace(base) != "" {
			c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
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

// NewClient builds a client for one service account.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.AccountID) == "" || strings.TrimSpace(creds.AccountSecret) == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredential, "未配置 Theta Video 服务账号")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// envelope is the common response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// RequestUploadSlot asks for a presigned upload destination.
func (c *Client) RequestUploadSlot(ctx context.Context) (UploadSlot, error) {
	var body struct {
		Uploads []UploadSlot `json:"uploads"`
	}
	if err := c.call(ctx, http.MethodPost, "/upload", nil, &body); err != nil {
		return UploadSlot{}, err
	}
	if len(body.Uploads) == 0 {
		return UploadSlot{}, xerrors.New(CodeAPIError, "上传槽响应中没有 uploads")
	}
	slot := body.Uploads[0]
	if strings.TrimSpace(slot.PresignedURL) == "" || strings.TrimSpace(slot.ID) == "" {
		return UploadSlot{}, xerrors.New(CodeAPIError, "上传槽缺少 presigned_url 或 id")
	}
	return slot, nil
}

// PushPayload streams the file to the presigned destination. Only a 200
// answer counts as success.
func (c *Client) PushPayload(ctx context.Context, slot UploadSlot, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("无法打开视频文件 %s", path))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取视频文件信息失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PresignedURL, file)
	if err != nil {
		return xerrors.Wrap(CodeAPIError, err, "构建上传请求失败")
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "视频上传超时或被取消"); coded != nil {
			return coded
		}
		return xerrors.Wrap(CodeAPIError, err, "视频上传请求失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return xerrors.New(CodeAPIError,
			fmt.Sprintf("预签名地址返回状态 %d", resp.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	return nil
}

// RequestTranscode submits a transcode job and returns the video id.
func (c *Client) RequestTranscode(ctx context.Context, req TranscodeRequest) (string, error) {
	if req.PlaybackPolicy == "" {
		req.PlaybackPolicy = "public"
	}
	var body struct {
		VideoID string  `json:"video_id"`
		Videos  []Video `json:"videos"`
	}
	if err := c.call(ctx, http.MethodPost, "/video", req, &body); err != nil {
		return "", err
	}
	id := strings.TrimSpace(body.VideoID)
	if id == "" && len(body.Videos) > 0 {
		id = strings.TrimSpace(body.Videos[0].ID)
	}
	if id == "" {
		return "", xerrors.New(CodeAPIError, "转码响应中没有 video_id")
	}
	return id, nil
}

// FetchVideo returns the current status of a video.
func (c *Client) FetchVideo(ctx context.Context, id string) (Video, error) {
	var body struct {
		Videos []Video `json:"videos"`
	}
	if err := c.call(ctx, http.MethodGet, "/video/"+url.PathEscape(id), nil, &body); err != nil {
		return Video{}, err
	}
	if len(body.Videos) == 0 {
		return Video{}, xerrors.New(CodeAPIError, "视频状态响应中没有 videos")
	}
	return body.Videos[0], nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(CodeAPIError, err, "构建请求失败")
	}
	req.Header.Set(headerAccountID, c.creds.AccountID)
	req.Header.Set(headerAccountSecret, c.creds.AccountSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "Theta Video 请求超时或被取消"); coded != nil {
			return coded
		}
		return xerrors.Wrap(CodeAPIError, err, fmt.Sprintf("请求 %s %s 失败", method, path), xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || env.Status != "success" {
		msg := env.Message
		if decodeErr != nil {
			msg = decodeErr.Error()
		}
		return xerrors.New(CodeAPIError,
			fmt.Sprintf("%s %s 失败: 状态 %d %s", method, path, resp.StatusCode, strings.TrimSpace(msg)),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return xerrors.Wrap(CodeAPIError, err, "解析响应 body 失败")
	}
	return nil
}
