package tools

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	"theta-agents/internal/edgestore"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
	"theta-agents/pkg/logger"
)

// edgeStoreTool 以钱包签名上传文件到 EdgeStore。
type edgeStoreTool struct {
	timeout    time.Duration
	httpClient *http.Client
	log        *slog.Logger
}

func newEdgeStoreTool(cfg config.EdgeStoreConfig, hc *http.Client, log *slog.Logger) *edgeStoreTool {
	return &edgeStoreTool{timeout: cfg.HTTPTimeout, httpClient: hc, log: log}
}

func (*edgeStoreTool) sealed() {}

func (*edgeStoreTool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        config.CapabilityUploadEdgeStore,
		Description: "Upload a local file to Theta EdgeStore and return the storage receipt.",
		Parameters: objectSchema([]string{"filepath"}, map[string]any{
			"filepath": stringProp("Path of the local file to upload."),
		}),
	}
}

func (t *edgeStoreTool) Invoke(ctx context.Context, desc capability.Descriptor, args capability.Arguments) capability.Result {
	path := args.String("filepath")
	if path == "" {
		return capability.Failed(desc.Name, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数 filepath"))
	}
	signer, err := walletSigner(desc)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}

	hc := t.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: t.timeout}
	}
	client := edgestore.NewClient(edgestore.WithEndpoint(desc.Endpoint), edgestore.WithHTTPClient(hc))
	receipt, err := client.Upload(ctx, path, signer)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}

	logger.Audit().Info("EdgeStore 文件已上传",
		slog.String("capability", desc.Name),
		slog.String("file", path),
		slog.String("address", signer.Address().Hex()),
		slog.Int("status", receipt.Status))
	return capability.Succeeded(desc.Name, receipt.Value())
}
