package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "theta-agents/internal/errors"
)

const sampleYAML = `
llm_endpoint: https://llm.example.com/v1
llm_model_name: file-model
llm_api_key_env: TEST_LLM_KEY
agent:
  max_tool_rounds: 3
  persona: pirate
capabilities:
  image_tools:
    create_image_from_prompt:
      edgecloud_endpoint: https://image.example.com
      edgecloud_endpoint_type: openai
      model_name: dall-e-2
      api_key_env: TEST_IMAGE_KEY
  smart_contract_tools:
    deploy_smart_contract:
      theta_wallet_public_address: "0x1111111111111111111111111111111111111111"
      theta_wallet_private_key_env: TEST_WALLET_KEY
      w3_provider_endpoint: https://rpc.example.com
  theta_video_tools:
    upload_video_to_theta:
      service_account_id: srvacc_file
      service_account_secret_env: TEST_VIDEO_SECRET
video:
  poll:
    max_attempts: 4
    interval: 10ms
`

func TestParseResolvesSecretReferences(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")
	t.Setenv("TEST_IMAGE_KEY", "sk-image")
	t.Setenv("TEST_WALLET_KEY", "abcdef")
	t.Setenv("TEST_VIDEO_SECRET", "video-secret")

	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-llm", cfg.LLM.APIKey)
	assert.Equal(t, "https://llm.example.com/v1", cfg.LLM.Endpoint)
	assert.Equal(t, 3, cfg.Agent.MaxToolRounds)
	assert.Equal(t, "pirate", cfg.Agent.Persona)

	image, ok := cfg.Capability(CapabilityCreateImage)
	require.True(t, ok)
	assert.Equal(t, "image_tools", image.Group)
	assert.Equal(t, "openai", image.EndpointType)
	assert.Equal(t, "sk-image", image.Credentials.APIKey)
	assert.Equal(t, "url", image.ResultField)
	assert.Equal(t, "256x256", image.ImageSize)
	assert.Equal(t, "/predict", image.APIName)

	deploy, ok := cfg.Capability(CapabilityDeployContract)
	require.True(t, ok)
	assert.Equal(t, EndpointTypeWorkflow, deploy.EndpointType)
	assert.Equal(t, "https://rpc.example.com", deploy.Endpoint)
	assert.Equal(t, "abcdef", deploy.Credentials.WalletPrivateKey)

	video, ok := cfg.Capability(CapabilityUploadVideo)
	require.True(t, ok)
	assert.Equal(t, "https://api.thetavideoapi.com", video.Endpoint)
	assert.Equal(t, "video-secret", video.Credentials.ServiceAccountSecret)
	assert.Equal(t, 4, cfg.Video.Poll.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Video.Poll.Interval)
}

func TestEnvironmentTakesPrecedenceOverFile(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")
	t.Setenv("LLM_MODEL_NAME", "env-model")
	t.Setenv("IMAGE_ENDPOINT", "https://override.example.com")
	t.Setenv("IMAGE_ENDPOINT_TYPE", "gradio")
	t.Setenv("THETA_WALLET_PUBLIC_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("SERVICE_ACCOUNT_ID", "srvacc_env")

	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.LLM.ModelName)

	image, _ := cfg.Capability(CapabilityCreateImage)
	assert.Equal(t, "https://override.example.com", image.Endpoint)
	assert.Equal(t, "gradio", image.EndpointType)
	assert.Equal(t, "dall-e-2", image.ModelName, "fields without an override keep the file value")

	deploy, _ := cfg.Capability(CapabilityDeployContract)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", deploy.Credentials.WalletAddress)

	video, _ := cfg.Capability(CapabilityUploadVideo)
	assert.Equal(t, "srvacc_env", video.Credentials.ServiceAccountID)
}

func TestSecretReferenceIsNotUsedLiterally(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")
	t.Setenv("TEST_IMAGE_KEY", "")

	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	image, _ := cfg.Capability(CapabilityCreateImage)
	assert.Empty(t, image.Credentials.APIKey)
	assert.NotEqual(t, "TEST_IMAGE_KEY", image.Credentials.APIKey)
}

func TestEnvironmentCanDeclareGenerationCapability(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")
	t.Setenv("SMART_CONTRACT_ENDPOINT", "https://contracts.example.com")
	t.Setenv("SMART_CONTRACT_ENDPOINT_TYPE", "openai")

	cfg, err := Parse(strings.NewReader("llm_api_key_env: TEST_LLM_KEY\n"))
	require.NoError(t, err)

	for _, name := range []string{CapabilityGenerateContract, CapabilityAnalyzeContract} {
		entry, ok := cfg.Capability(name)
		require.True(t, ok, name)
		assert.Equal(t, "https://contracts.example.com", entry.Endpoint)
		assert.Equal(t, "output", entry.ResultField)
	}
	_, ok := cfg.Capability(CapabilityCreateImage)
	assert.False(t, ok)
	assert.Equal(t, []string{CapabilityAnalyzeContract, CapabilityGenerateContract}, cfg.CapabilityNames())
}

func TestMissingLLMKeyIsFatal(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "")

	_, err := Parse(strings.NewReader("llm_api_key_env: TEST_LLM_KEY\n"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeMissingCredential, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryConfiguration, xerrors.CategoryOf(err))
}

func TestUnknownFieldIsRejected(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")

	_, err := Parse(strings.NewReader("llm_api_key_env: TEST_LLM_KEY\nllm_temprature: 1\n"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestDuplicateCapabilityAcrossGroups(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-llm")
	doc := `
llm_api_key_env: TEST_LLM_KEY
capabilities:
  image_tools:
    create_image_from_prompt: {edgecloud_endpoint: a}
  other_tools:
    create_image_from_prompt: {edgecloud_endpoint: b}
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestLoadResolvesBridgePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "llm:\n  provider: bridge\n  bridge:\n    script_path: model.py\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, dir, cfg.LLM.Bridge.WorkingDir)
	assert.Equal(t, filepath.Join(dir, "model.py"), cfg.LLM.Bridge.ScriptPath)
}

func TestLoadWithoutDefaultFileUsesEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-default")
	t.Setenv("THETA_MAX_TOOL_ROUNDS", "5")

	cfg, err := Load(Path())
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "sk-default", cfg.LLM.APIKey)
	assert.Equal(t, 5, cfg.Agent.MaxToolRounds)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.ModelName)
	assert.Empty(t, cfg.CapabilityNames())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("CONFIG_FILE", missing)

	_, err := Load(Path())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigPathFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/etc/theta/agents.yaml")
	assert.Equal(t, "/etc/theta/agents.yaml", Path())
	t.Setenv("CONFIG_FILE", "")
	assert.Equal(t, "config.yaml", Path())
}
