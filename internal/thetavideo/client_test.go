package thetavideo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "theta-agents/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Credentials{AccountID: "srvacc_1", AccountSecret: "s3cret"}, WithBaseURL(srv.URL))
	require.NoError(t, err)
	return client
}

func TestRequestUploadSlot(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "srvacc_1", r.Header.Get("x-tva-sa-id"))
		assert.Equal(t, "s3cret", r.Header.Get("x-tva-sa-secret"))
		_, _ = w.Write([]byte(`{"status":"success","body":{"uploads":[{"id":"upload_1","presigned_url":"https://s3.example.com/put"}]}}`))
	})

	slot, err := client.RequestUploadSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UploadSlot{ID: "upload_1", PresignedURL: "https://s3.example.com/put"}, slot)
}

func TestRequestUploadSlotFailureStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":"error","message":"invalid service account"}`))
	})

	_, err := client.RequestUploadSlot(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeAPIError, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid service account")
}

func TestPushPayloadRequires200(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video-bytes"), 0o600))

	var received string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		received = string(data)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client, err := NewClient(Credentials{AccountID: "a", AccountSecret: "b"})
	require.NoError(t, err)

	require.NoError(t, client.PushPayload(context.Background(), UploadSlot{ID: "u", PresignedURL: srv.URL}, path))
	assert.Equal(t, "video-bytes", received)

	status = http.StatusNoContent
	err = client.PushPayload(context.Background(), UploadSlot{ID: "u", PresignedURL: srv.URL}, path)
	assert.Equal(t, CodeAPIError, xerrors.CodeOf(err))
}

func TestRequestTranscodeSendsPolicyAndCollection(t *testing.T) {
	var payload map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/video", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"status":"success","body":{"video_id":"video_9"}}`))
	})

	id, err := client.RequestTranscode(context.Background(), TranscodeRequest{
		SourceUploadID: "upload_1",
		NFTCollection:  DefaultNFTCollection,
		Metadata:       map[string]string{"key": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, "video_9", id)
	assert.Equal(t, "upload_1", payload["source_upload_id"])
	assert.Equal(t, "public", payload["playback_policy"])
	assert.Equal(t, DefaultNFTCollection, payload["nft_collection"])
}

func TestFetchVideo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/video/video_9", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success","body":{"videos":[{"id":"video_9","state":"success","playback_uri":"https://media.example.com/master.m3u8"}]}}`))
	})

	video, err := client.FetchVideo(context.Background(), "video_9")
	require.NoError(t, err)
	assert.True(t, video.Terminal())
	assert.Equal(t, "https://media.example.com/master.m3u8", video.PlaybackURI)
}

func TestVideoTerminal(t *testing.T) {
	assert.False(t, Video{State: "processing"}.Terminal())
	assert.True(t, Video{State: "error"}.Terminal())
	assert.True(t, Video{PlaybackURI: "x"}.Terminal())
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Credentials{AccountID: "only-id"})
	assert.Equal(t, xerrors.CodeMissingCredential, xerrors.CodeOf(err))
}
