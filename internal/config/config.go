package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "theta-agents/internal/errors"
	"theta-agents/pkg/logger"
)

// 已知能力名称。分组与原有配置文件保持一致。
const (
	CapabilityCreateImage      = "create_image_from_prompt"
	CapabilityCreateVideo      = "create_video_from_image"
	CapabilityGenerateContract = "generate_smart_contract"
	CapabilityAnalyzeContract  = "analyze_smart_contract"
	CapabilityDeployContract   = "deploy_smart_contract"
	CapabilityUploadEdgeStore  = "upload_to_edgestore"
	CapabilityUploadVideo      = "upload_video_to_theta"
)

// EndpointTypeWorkflow 标记由多阶段流水线实现的能力。
const EndpointTypeWorkflow = "workflow"

const (
	defaultConfigFile       = "config.yaml"
	defaultLLMEndpoint      = "https://api.openai.com/v1"
	defaultLLMModel         = "gpt-4o-mini"
	defaultLLMKeyEnv        = "OPENAI_API_KEY"
	defaultVideoEndpoint    = "https://api.thetavideoapi.com"
	defaultEdgeStoreURL     = "https://api.thetaedgestore.com/api/v2/data"
	defaultNFTCollection    = "0x5d0004fe2e0ec6d002678c7fa01026cabde9e793"
	defaultMaxToolRounds    = 8
	defaultGasLimit         = 3_000_000
	defaultGasPriceWei      = "4000000000000"
	defaultReceiptTimeout   = 2 * time.Minute
	defaultReceiptInterval  = 2 * time.Second
	defaultPollAttempts     = 60
	defaultPollInterval     = 5 * time.Second
	defaultPollMaxInterval  = 30 * time.Second
	defaultPollTimeout      = 15 * time.Minute
	defaultHTTPTimeout      = 60 * time.Second
	defaultServerAddress    = ":8080"
	defaultShutdownTimeout  = 5 * time.Second
	defaultRedisKeyPrefix   = "theta:threads:"
	defaultRabbitExchange   = "theta.agent.events"
	defaultTelemetryService = "theta-agents"
)

// Config 是进程启动时一次性构建的不可变配置，按引用传递给各组件。
type Config struct {
	LLM       LLMConfig
	Agent     AgentConfig
	Server    ServerConfig
	Memory    MemoryConfig
	Events    EventsConfig
	Logging   logger.Config
	Telemetry TelemetryConfig
	Chain     ChainConfig
	Video     VideoConfig
	EdgeStore EdgeStoreConfig
	// Source 是实际加载的配置文件路径，为空表示仅使用了环境变量。
	Source       string
	capabilities map[string]CapabilityConfig
}

// LLMConfig 描述对话模型的访问方式。
type LLMConfig struct {
	Provider  string
	Endpoint  string
	ModelName string
	APIKey    string
	Timeout   time.Duration
	Bridge    BridgeConfig
}

// BridgeConfig 描述通过外部进程完成推理时所需的信息。
type BridgeConfig struct {
	Executable string `yaml:"executable"`
	ScriptPath string `yaml:"script_path"`
	WorkingDir string `yaml:"working_dir"`
}

// AgentConfig 控制单轮对话的工具调度行为。
type AgentConfig struct {
	MaxToolRounds    int           `yaml:"max_tool_rounds"`
	ParallelTools    bool          `yaml:"parallel_tools"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
	Persona          string        `yaml:"persona"`
	ThreadID         string        `yaml:"thread_id"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AuthTokenEnv 指向保存 API Bearer Token 的环境变量，未设置时不做认证。
	AuthTokenEnv string `yaml:"auth_token_env"`
	AuthToken    string `yaml:"-"`
}

// MemoryConfig 选择会话线程的持久化后端。
type MemoryConfig struct {
	Driver string
	Redis  RedisConfig
	MySQL  MySQLConfig
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// EventsConfig 选择对话事件的投递方式。
type EventsConfig struct {
	Driver   string
	RabbitMQ RabbitMQConfig
}

// RabbitMQConfig 描述事件交换机参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// TelemetryConfig 控制 OpenTelemetry 导出。
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// ChainConfig 描述合约部署所在网络的固定参数。
type ChainConfig struct {
	Network         string        `yaml:"network"`
	ChainID         int64         `yaml:"chain_id"`
	GasLimit        uint64        `yaml:"gas_limit"`
	GasPriceWei     string        `yaml:"gas_price_wei"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout"`
	ReceiptInterval time.Duration `yaml:"receipt_interval"`
	SolcPath        string        `yaml:"solc_path"`
}

// VideoConfig 描述视频流水线的转码参数与轮询预算。
type VideoConfig struct {
	NFTCollection string            `yaml:"nft_collection"`
	Metadata      map[string]string `yaml:"metadata"`
	HTTPTimeout   time.Duration     `yaml:"http_timeout"`
	Poll          PollConfig        `yaml:"poll"`
}

// PollConfig 是轮询阶段的次数与时间预算。
type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EdgeStoreConfig 描述去中心化存储上传参数。
type EdgeStoreConfig struct {
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// CapabilityConfig 是单个能力解析后的配置条目。
type CapabilityConfig struct {
	Name         string
	Group        string
	Endpoint     string
	EndpointType string
	ModelName    string
	APIName      string
	ResultField  string
	ImageSize    string
	Timeout      time.Duration
	Credentials  Credentials
}

// Credentials 保存从环境变量间接解析出的凭据。
type Credentials struct {
	APIKey               string
	WalletAddress        string
	WalletPrivateKey     string
	ServiceAccountID     string
	ServiceAccountSecret string
}

// LogValue 避免凭据出现在日志中。
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("api_key_set", c.APIKey != ""),
		slog.String("wallet_address", c.WalletAddress),
		slog.Bool("wallet_key_set", c.WalletPrivateKey != ""),
		slog.String("service_account_id", c.ServiceAccountID),
		slog.Bool("service_account_secret_set", c.ServiceAccountSecret != ""),
	)
}

// Capability 按名称查找能力配置。
func (c *Config) Capability(name string) (CapabilityConfig, bool) {
	if c == nil {
		return CapabilityConfig{}, false
	}
	entry, ok := c.capabilities[name]
	return entry, ok
}

// CapabilityNames 返回所有已声明的能力名称，按字典序排列。
func (c *Config) CapabilityNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path 返回配置文件路径：优先读取 CONFIG_FILE，否则使用 config.yaml。
func Path() string {
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		return path
	}
	return defaultConfigFile
}

// Load 解析指定路径的 YAML 配置，叠加环境变量并解析凭据引用。
// 只有默认的 config.yaml 允许不存在，此时仅使用环境变量与默认值；
// 显式指定的文件不存在时返回配置错误。
func Load(path string) (*Config, error) {
	var content []byte
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			content = data
		case errors.Is(err, os.ErrNotExist) && path == defaultConfigFile:
			path = ""
		case errors.Is(err, os.ErrNotExist):
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "配置文件不存在",
				xerrors.WithMetadata("path", path))
		default:
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
	}
	cfg, err := Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	return cfg, nil
}

// Parse 从 reader 中解析配置，便于测试注入伪造配置。
func Parse(r io.Reader) (*Config, error) {
	var raw fileConfig
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	raw.applyEnv()

	cfg, err := raw.build()
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = defaultLLMEndpoint
	}
	if c.LLM.ModelName == "" {
		c.LLM.ModelName = defaultLLMModel
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = defaultHTTPTimeout
	}
	if c.LLM.Bridge.Executable == "" {
		c.LLM.Bridge.Executable = "python3"
	}

	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = defaultMaxToolRounds
	}
	if c.Agent.MaxParallelTools <= 0 {
		c.Agent.MaxParallelTools = 4
	}

	if c.Server.Address == "" {
		c.Server.Address = defaultServerAddress
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.Redis.KeyPrefix == "" {
		c.Memory.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = defaultRabbitExchange
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultTelemetryService
	}

	if c.Chain.Network == "" {
		c.Chain.Network = "testnet"
	}
	if c.Chain.GasLimit == 0 {
		c.Chain.GasLimit = defaultGasLimit
	}
	if c.Chain.GasPriceWei == "" {
		c.Chain.GasPriceWei = defaultGasPriceWei
	}
	if c.Chain.ReceiptTimeout <= 0 {
		c.Chain.ReceiptTimeout = defaultReceiptTimeout
	}
	if c.Chain.ReceiptInterval <= 0 {
		c.Chain.ReceiptInterval = defaultReceiptInterval
	}
	if c.Chain.SolcPath == "" {
		c.Chain.SolcPath = "solc"
	}

	if c.Video.NFTCollection == "" {
		c.Video.NFTCollection = defaultNFTCollection
	}
	if c.Video.HTTPTimeout <= 0 {
		c.Video.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Video.Poll.MaxAttempts <= 0 {
		c.Video.Poll.MaxAttempts = defaultPollAttempts
	}
	if c.Video.Poll.Interval <= 0 {
		c.Video.Poll.Interval = defaultPollInterval
	}
	if c.Video.Poll.MaxInterval <= 0 {
		c.Video.Poll.MaxInterval = defaultPollMaxInterval
	}
	if c.Video.Poll.Timeout <= 0 {
		c.Video.Poll.Timeout = defaultPollTimeout
	}
	if c.EdgeStore.HTTPTimeout <= 0 {
		c.EdgeStore.HTTPTimeout = defaultHTTPTimeout
	}

	for name, entry := range c.capabilities {
		switch name {
		case CapabilityDeployContract:
			entry.EndpointType = EndpointTypeWorkflow
		case CapabilityUploadEdgeStore:
			entry.EndpointType = EndpointTypeWorkflow
			if entry.Endpoint == "" {
				entry.Endpoint = defaultEdgeStoreURL
			}
		case CapabilityUploadVideo:
			entry.EndpointType = EndpointTypeWorkflow
			if entry.Endpoint == "" {
				entry.Endpoint = defaultVideoEndpoint
			}
		case CapabilityCreateImage, CapabilityCreateVideo:
			if entry.ResultField == "" {
				entry.ResultField = "url"
			}
		case CapabilityGenerateContract, CapabilityAnalyzeContract:
			if entry.ResultField == "" {
				entry.ResultField = "output"
			}
		}
		if entry.APIName == "" {
			entry.APIName = "/predict"
		}
		if entry.ImageSize == "" {
			entry.ImageSize = "256x256"
		}
		if entry.Timeout <= 0 {
			entry.Timeout = defaultHTTPTimeout
		}
		c.capabilities[name] = entry
	}
}

// validate 检查启动阶段即可确定的致命配置错误。
func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" {
			return xerrors.New(xerrors.CodeMissingCredential, "对话模型需要配置 llm_api_key_env 指向的 API Key")
		}
	case "bridge":
		if c.LLM.Bridge.ScriptPath == "" {
			return xerrors.New(xerrors.CodeConfiguration, "bridge 模式需要配置 llm.bridge.script_path")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的大模型 provider: %s", c.LLM.Provider))
	}

	switch c.Memory.Driver {
	case "memory":
	case "redis":
		if c.Memory.Redis.Address == "" {
			return xerrors.New(xerrors.CodeConfiguration, "redis 会话存储需要配置 memory.redis.address")
		}
	case "mysql":
		if c.Memory.MySQL.DSN == "" {
			return xerrors.New(xerrors.CodeMissingCredential, "mysql 会话存储需要配置 memory.mysql.dsn_env")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的会话存储驱动: %s", c.Memory.Driver))
	}

	switch c.Events.Driver {
	case "log", "none":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeMissingCredential, "rabbitmq 事件投递需要配置 events.rabbitmq.url_env")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的事件驱动: %s", c.Events.Driver))
	}
	return nil
}

// resolvePaths 将相对路径转换为相对于配置文件所在目录的路径。
func (c *Config) resolvePaths(baseDir string) {
	if baseDir == "" {
		return
	}
	if c.LLM.Bridge.WorkingDir == "" {
		c.LLM.Bridge.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Bridge.WorkingDir) {
		c.LLM.Bridge.WorkingDir = filepath.Join(baseDir, c.LLM.Bridge.WorkingDir)
	}
	if c.LLM.Bridge.ScriptPath != "" && !filepath.IsAbs(c.LLM.Bridge.ScriptPath) {
		c.LLM.Bridge.ScriptPath = filepath.Join(c.LLM.Bridge.WorkingDir, c.LLM.Bridge.ScriptPath)
	}
}
