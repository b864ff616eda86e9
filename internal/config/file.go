package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	xerrors "theta-agents/internal/errors"
	"theta-agents/pkg/logger"
)

// fileConfig 对应 YAML 文件的原始结构，*_env 字段保存环境变量名而不是凭据本身。
type fileConfig struct {
	LLMEndpoint  string `yaml:"llm_endpoint"`
	LLMModelName string `yaml:"llm_model_name"`
	LLMAPIKeyEnv string `yaml:"llm_api_key_env"`

	LLM struct {
		Provider string        `yaml:"provider"`
		Timeout  time.Duration `yaml:"timeout"`
		Bridge   BridgeConfig  `yaml:"bridge"`
	} `yaml:"llm"`

	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Memory    memoryFile      `yaml:"memory"`
	Events    eventsFile      `yaml:"events"`
	Logging   logger.Config   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Chain     ChainConfig     `yaml:"chain"`
	Video     VideoConfig     `yaml:"video"`
	EdgeStore EdgeStoreConfig `yaml:"edgestore"`

	// Capabilities 按 分组 -> 能力名 组织。
	Capabilities map[string]map[string]*capabilityFile `yaml:"capabilities"`
}

type memoryFile struct {
	Driver string `yaml:"driver"`
	Redis  struct {
		Address     string        `yaml:"address"`
		PasswordEnv string        `yaml:"password_env"`
		DB          int           `yaml:"db"`
		KeyPrefix   string        `yaml:"key_prefix"`
		TTL         time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
	MySQL struct {
		DSNEnv          string        `yaml:"dsn_env"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"mysql"`
}

type eventsFile struct {
	Driver   string `yaml:"driver"`
	RabbitMQ struct {
		URLEnv   string `yaml:"url_env"`
		Exchange string `yaml:"exchange"`
		Durable  bool   `yaml:"durable"`
	} `yaml:"rabbitmq"`
}

type capabilityFile struct {
	Endpoint     string        `yaml:"edgecloud_endpoint"`
	EndpointType string        `yaml:"edgecloud_endpoint_type"`
	ModelName    string        `yaml:"model_name"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	APIName      string        `yaml:"api_name"`
	ResultField  string        `yaml:"result_field"`
	ImageSize    string        `yaml:"image_size"`
	Timeout      time.Duration `yaml:"timeout"`

	W3ProviderEndpoint  string `yaml:"w3_provider_endpoint"`
	WalletAddress       string `yaml:"theta_wallet_public_address"`
	Address             string `yaml:"address"`
	WalletPrivateKeyEnv string `yaml:"theta_wallet_private_key_env"`

	ServiceEndpoint         string `yaml:"endpoint"`
	ServiceAccountID        string `yaml:"service_account_id"`
	ServiceAccountSecretEnv string `yaml:"service_account_secret_env"`
}

// generationEnv 列出生成类能力的环境变量前缀，沿用原有部署习惯。
var generationEnv = []struct {
	group, name, prefix string
}{
	{"image_tools", CapabilityCreateImage, "IMAGE"},
	{"video_tools", CapabilityCreateVideo, "VIDEO"},
	{"smart_contract_tools", CapabilityGenerateContract, "SMART_CONTRACT"},
	{"smart_contract_tools", CapabilityAnalyzeContract, "SMART_CONTRACT"},
}

// applyEnv 按字段叠加环境变量，环境变量优先于文件。
func (f *fileConfig) applyEnv() {
	overrideString(&f.LLMEndpoint, "LLM_ENDPOINT")
	overrideString(&f.LLMModelName, "LLM_MODEL_NAME")
	overrideString(&f.LLM.Provider, "THETA_LLM_PROVIDER")

	overrideInt(&f.Agent.MaxToolRounds, "THETA_MAX_TOOL_ROUNDS")
	overrideString(&f.Agent.Persona, "THETA_AGENT_PERSONA")
	overrideString(&f.Agent.ThreadID, "THETA_THREAD_ID")
	overrideString(&f.Server.Address, "THETA_SERVER_ADDRESS")
	overrideString(&f.Memory.Driver, "THETA_MEMORY_DRIVER")
	overrideString(&f.Memory.Redis.Address, "THETA_REDIS_ADDRESS")
	overrideString(&f.Events.Driver, "THETA_EVENTS_DRIVER")
	overrideString(&f.Logging.Level, "THETA_LOG_LEVEL")
	overrideString(&f.Telemetry.Endpoint, "THETA_OTEL_ENDPOINT")
	overrideString(&f.Chain.Network, "THETA_CHAIN_NETWORK")

	for _, gen := range generationEnv {
		endpoint, hasEndpoint := os.LookupEnv(gen.prefix + "_ENDPOINT")
		entry := f.capability(gen.group, gen.name, hasEndpoint && endpoint != "")
		if entry == nil {
			continue
		}
		overrideString(&entry.Endpoint, gen.prefix+"_ENDPOINT")
		overrideString(&entry.EndpointType, gen.prefix+"_ENDPOINT_TYPE")
		overrideString(&entry.ModelName, gen.prefix+"_MODEL_NAME")
	}

	if entry := f.capability("smart_contract_tools", CapabilityDeployContract, false); entry != nil {
		overrideString(&entry.WalletAddress, "THETA_WALLET_PUBLIC_ADDRESS")
		overrideString(&entry.W3ProviderEndpoint, "W3_PROVIDER_ENDPOINT")
	}
	if entry := f.capability("theta_edgestore_tools", CapabilityUploadEdgeStore, false); entry != nil {
		overrideString(&entry.Address, "THETA_WALLET_PUBLIC_ADDRESS")
		overrideString(&entry.W3ProviderEndpoint, "W3_PROVIDER_ENDPOINT")
	}
	serviceID, hasService := os.LookupEnv("SERVICE_ACCOUNT_ID")
	if entry := f.capability("theta_video_tools", CapabilityUploadVideo, hasService && serviceID != ""); entry != nil {
		overrideString(&entry.ServiceAccountID, "SERVICE_ACCOUNT_ID")
	}
}

// capability 返回分组下的能力条目，create 为真时在缺失时创建。
func (f *fileConfig) capability(group, name string, create bool) *capabilityFile {
	if f.Capabilities == nil {
		if !create {
			return nil
		}
		f.Capabilities = make(map[string]map[string]*capabilityFile)
	}
	entries := f.Capabilities[group]
	if entries == nil {
		if !create {
			return nil
		}
		entries = make(map[string]*capabilityFile)
		f.Capabilities[group] = entries
	}
	entry := entries[name]
	if entry == nil && create {
		entry = &capabilityFile{}
		entries[name] = entry
	}
	return entry
}

// build 把原始结构转换为不可变配置，并解析所有凭据引用。
func (f *fileConfig) build() (*Config, error) {
	cfg := &Config{
		Agent:        f.Agent,
		Server:       f.Server,
		Logging:      f.Logging,
		Telemetry:    f.Telemetry,
		Chain:        f.Chain,
		Video:        f.Video,
		EdgeStore:    f.EdgeStore,
		capabilities: make(map[string]CapabilityConfig),
	}
	cfg.Server.AuthToken = secret(f.Server.AuthTokenEnv)

	cfg.LLM = LLMConfig{
		Provider:  strings.ToLower(strings.TrimSpace(f.LLM.Provider)),
		Endpoint:  strings.TrimSpace(f.LLMEndpoint),
		ModelName: strings.TrimSpace(f.LLMModelName),
		APIKey:    secret(firstNonEmpty(f.LLMAPIKeyEnv, defaultLLMKeyEnv)),
		Timeout:   f.LLM.Timeout,
		Bridge:    f.LLM.Bridge,
	}

	cfg.Memory = MemoryConfig{
		Driver: strings.ToLower(strings.TrimSpace(f.Memory.Driver)),
		Redis: RedisConfig{
			Address:   f.Memory.Redis.Address,
			Password:  secret(f.Memory.Redis.PasswordEnv),
			DB:        f.Memory.Redis.DB,
			KeyPrefix: f.Memory.Redis.KeyPrefix,
			TTL:       f.Memory.Redis.TTL,
		},
		MySQL: MySQLConfig{
			DSN:             secret(f.Memory.MySQL.DSNEnv),
			MaxOpenConns:    f.Memory.MySQL.MaxOpenConns,
			MaxIdleConns:    f.Memory.MySQL.MaxIdleConns,
			ConnMaxLifetime: f.Memory.MySQL.ConnMaxLifetime,
		},
	}
	cfg.Events = EventsConfig{
		Driver: strings.ToLower(strings.TrimSpace(f.Events.Driver)),
		RabbitMQ: RabbitMQConfig{
			URL:      secret(f.Events.RabbitMQ.URLEnv),
			Exchange: f.Events.RabbitMQ.Exchange,
			Durable:  f.Events.RabbitMQ.Durable,
		},
	}

	for group, entries := range f.Capabilities {
		for name, entry := range entries {
			if entry == nil {
				entry = &capabilityFile{}
			}
			if existing, dup := cfg.capabilities[name]; dup {
				return nil, xerrors.New(xerrors.CodeConfiguration,
					fmt.Sprintf("能力 %s 同时出现在分组 %s 与 %s", name, existing.Group, group))
			}
			cfg.capabilities[name] = entry.resolve(group, name)
		}
	}
	return cfg, nil
}

// resolve 把文件条目转换为能力配置，凭据通过环境变量间接读取。
func (c *capabilityFile) resolve(group, name string) CapabilityConfig {
	out := CapabilityConfig{
		Name:         name,
		Group:        group,
		Endpoint:     strings.TrimSpace(c.Endpoint),
		EndpointType: strings.ToLower(strings.TrimSpace(c.EndpointType)),
		ModelName:    strings.TrimSpace(c.ModelName),
		APIName:      strings.TrimSpace(c.APIName),
		ResultField:  strings.TrimSpace(c.ResultField),
		ImageSize:    strings.TrimSpace(c.ImageSize),
		Timeout:      c.Timeout,
		Credentials: Credentials{
			APIKey:               secret(c.APIKeyEnv),
			WalletAddress:        firstNonEmpty(c.WalletAddress, c.Address),
			WalletPrivateKey:     secret(c.WalletPrivateKeyEnv),
			ServiceAccountID:     strings.TrimSpace(c.ServiceAccountID),
			ServiceAccountSecret: secret(c.ServiceAccountSecretEnv),
		},
	}
	switch name {
	case CapabilityDeployContract:
		out.Endpoint = strings.TrimSpace(c.W3ProviderEndpoint)
	case CapabilityUploadEdgeStore, CapabilityUploadVideo:
		out.Endpoint = strings.TrimSpace(c.ServiceEndpoint)
	}
	return out
}

// secret 读取 envName 指向的环境变量；未声明时返回空串。
func secret(envName string) string {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

func overrideInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
