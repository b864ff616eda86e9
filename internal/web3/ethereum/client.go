package ethereum

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/web3"
)

// Config describes how to reach an EVM compatible RPC endpoint.
type Config struct {
	Network string
	RPCURL  string
}

// Client wraps an ethclient connection and satisfies web3.Backend.
type Client struct {
	*ethclient.Client

	rpcClient *gethrpc.Client
	mu        sync.Mutex
	closed    bool
}

var _ web3.Backend = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置链 RPC 地址",
			xerrors.WithMetadata("network", cfg.Network))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeRPCUnavailable, err, "连接链节点失败",
			xerrors.WithMetadata("rpc_url", rpcURL),
			xerrors.WithMetadata("network", cfg.Network))
	}

	return &Client{
		Client:    ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.Client != nil {
		c.Client.Close()
	}
}
