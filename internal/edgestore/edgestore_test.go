package edgestore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/web3"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var fixedNow = time.UnixMilli(1_700_000_000_123)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newSigner(t *testing.T) *web3.Signer {
	t.Helper()
	signer, err := web3.NewSigner(testKey)
	require.NoError(t, err)
	return signer
}

func TestUploadSignsAndSendsMultipart(t *testing.T) {
	signer := newSigner(t)
	var token, fileBody, fileName string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get(AuthHeader)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		fileBody, fileName = string(data), header.Filename
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"0xabc","success":true}`))
	}))
	defer srv.Close()

	client := NewClient(WithEndpoint(srv.URL), WithClock(func() time.Time { return fixedNow }))
	receipt, err := client.Upload(context.Background(), writeFile(t, "payload"), signer)
	require.NoError(t, err)

	assert.Equal(t, "payload", fileBody)
	assert.Equal(t, "hello.txt", fileName)
	assert.Equal(t, map[string]any{"key": "0xabc", "success": true}, receipt.Value())

	parts := strings.SplitN(token, ".", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, strconv.FormatInt(fixedNow.UnixMilli(), 10), parts[0])
	assert.Equal(t, signer.Address().Hex(), parts[1])

	sig, err := hexutil.Decode(parts[2])
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("Theta EdgeStore Call 1700000000123")), sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub))
}

func TestUploadReturnsRawTextWhenNotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("stored"))
	}))
	defer srv.Close()

	receipt, err := NewClient(WithEndpoint(srv.URL)).Upload(context.Background(), writeFile(t, "x"), newSigner(t))
	require.NoError(t, err)
	assert.Nil(t, receipt.Body)
	assert.Equal(t, "stored", receipt.Value())
}

func TestUploadRejectedOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(WithEndpoint(srv.URL)).Upload(context.Background(), writeFile(t, "x"), newSigner(t))
	require.Error(t, err)
	assert.Equal(t, CodeUploadRejected, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryWorkflowStage, xerrors.CategoryOf(err))
}

type failingSigner struct{}

func (failingSigner) Address() common.Address { return common.Address{} }
func (failingSigner) SignText([]byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func TestUploadFailsWhenSigningFails(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	_, err := NewClient(WithEndpoint(srv.URL)).Upload(context.Background(), writeFile(t, "x"), failingSigner{})
	require.Error(t, err)
	assert.Equal(t, CodeAuthTokenConstructionFailed, xerrors.CodeOf(err))
	assert.Zero(t, hits)
}

func TestUploadMissingFile(t *testing.T) {
	_, err := NewClient().Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), newSigner(t))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}
