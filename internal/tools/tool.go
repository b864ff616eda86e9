package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
	"theta-agents/internal/thetavideo"
	"theta-agents/internal/web3"
	"theta-agents/internal/web3/ethereum"
	"theta-agents/internal/web3/solc"
	"theta-agents/internal/workflow"
	"theta-agents/pkg/logger"
)

// Tool 是一个可被模型调用的能力。实现仅限本包：生成类与流水线类。
type Tool interface {
	Schema() llm.ToolSchema
	Invoke(ctx context.Context, desc capability.Descriptor, args capability.Arguments) capability.Result
	sealed()
}

// ChainDialer 按网络建立链连接，返回的 close 释放连接。
type ChainDialer func(ctx context.Context, network web3.Network) (web3.Backend, func(), error)

// VideoServiceFactory 按服务账号创建视频 API 客户端。
type VideoServiceFactory func(desc capability.Descriptor) (workflow.VideoService, error)

// Toolset 是绑定到智能体的工具集合，只包含注册表中存在的能力。
type Toolset struct {
	registry *capability.Registry
	tools    map[string]Tool
	order    []string
	log      *slog.Logger
}

type options struct {
	client     *capability.Client
	compiler   workflow.Compiler
	dialer     ChainDialer
	video      VideoServiceFactory
	httpClient *http.Client
	log        *slog.Logger
}

// Option 定制工具集依赖，主要用于测试注入。
type Option func(*options)

// WithCapabilityClient 替换生成类能力使用的客户端。
func WithCapabilityClient(c *capability.Client) Option {
	return func(o *options) { o.client = c }
}

// WithCompiler 替换合约编译器。
func WithCompiler(c workflow.Compiler) Option {
	return func(o *options) { o.compiler = c }
}

// WithChainDialer 替换链连接方式。
func WithChainDialer(d ChainDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithVideoServiceFactory 替换视频 API 客户端构造。
func WithVideoServiceFactory(f VideoServiceFactory) Option {
	return func(o *options) { o.video = f }
}

// WithHTTPClient 设置上传类工具的 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New 根据配置与注册表构建工具集。
func New(cfg *config.Config, registry *capability.Registry, opts ...Option) *Toolset {
	o := options{log: logger.Named("tools")}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.client == nil {
		o.client = capability.NewClient()
	}
	if o.compiler == nil {
		o.compiler = solc.New(cfg.Chain.SolcPath, 0)
	}
	if o.dialer == nil {
		o.dialer = dialEthereum
	}
	if o.video == nil {
		o.video = newVideoService(cfg.Video.HTTPTimeout)
	}

	all := map[string]Tool{
		config.CapabilityCreateImage:      newGenerationTool(config.CapabilityCreateImage, o.client),
		config.CapabilityCreateVideo:      newGenerationTool(config.CapabilityCreateVideo, o.client),
		config.CapabilityGenerateContract: newGenerationTool(config.CapabilityGenerateContract, o.client),
		config.CapabilityAnalyzeContract:  newGenerationTool(config.CapabilityAnalyzeContract, o.client),
		config.CapabilityUploadEdgeStore:  newEdgeStoreTool(cfg.EdgeStore, o.httpClient, o.log),
		config.CapabilityUploadVideo:      newVideoTool(cfg.Video, o.video, o.log),
		config.CapabilityDeployContract:   newDeployTool(cfg.Chain, o.compiler, o.dialer, o.log),
	}

	ts := &Toolset{registry: registry, tools: make(map[string]Tool), log: o.log}
	for _, name := range registry.Names() {
		tool, ok := all[name]
		if !ok {
			continue
		}
		ts.tools[name] = tool
		ts.order = append(ts.order, name)
	}
	return ts
}

// Names 返回可用工具名，按字典序排列。
func (t *Toolset) Names() []string {
	return append([]string(nil), t.order...)
}

// Schemas 返回声明给模型的工具描述。
func (t *Toolset) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(t.order))
	for _, name := range t.order {
		schemas = append(schemas, t.tools[name].Schema())
	}
	return schemas
}

// Invoke 解析能力描述并执行工具。任何失败都以 Result 返回。
func (t *Toolset) Invoke(ctx context.Context, name string, raw json.RawMessage) capability.Result {
	desc, err := t.registry.Resolve(name)
	if err != nil {
		return capability.Failed(name, err)
	}
	tool, ok := t.tools[name]
	if !ok {
		return capability.Failed(name, xerrors.New(capability.CodeUnknownCapability,
			fmt.Sprintf("能力 %s 没有对应的工具实现", name),
			xerrors.WithMetadata("capability", name)))
	}
	args, err := decodeArguments(raw)
	if err != nil {
		return capability.Failed(name, err)
	}
	return tool.Invoke(ctx, desc, args)
}

func decodeArguments(raw json.RawMessage) (capability.Arguments, error) {
	args := capability.Arguments{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON 对象")
	}
	return args, nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func dialEthereum(ctx context.Context, network web3.Network) (web3.Backend, func(), error) {
	client, err := ethereum.NewClient(ctx, ethereum.Config{Network: network.Name, RPCURL: network.RPCURL})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func newVideoService(timeout time.Duration) VideoServiceFactory {
	return func(desc capability.Descriptor) (workflow.VideoService, error) {
		return thetavideo.NewClient(
			thetavideo.Credentials{
				AccountID:     desc.Credentials.ServiceAccountID,
				AccountSecret: desc.Credentials.ServiceAccountSecret,
			},
			thetavideo.WithBaseURL(desc.Endpoint),
			thetavideo.WithHTTPClient(&http.Client{Timeout: timeout}),
		)
	}
}
