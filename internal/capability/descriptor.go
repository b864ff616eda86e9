package capability

import (
	"log/slog"
	"strings"
	"time"

	"theta-agents/internal/config"
)

// BackendKind is the protocol family a capability endpoint speaks.
type BackendKind string

const (
	// RemoteProcedure is a predict-style endpoint (a Gradio app).
	RemoteProcedure BackendKind = "remote-procedure"
	// DirectInference is an OpenAI-compatible inference endpoint.
	DirectInference BackendKind = "direct-inference"
	// Workflow marks capabilities implemented by a multi-stage pipeline.
	Workflow BackendKind = "workflow"
)

// ParseBackendKind maps a configured endpoint type onto a BackendKind.
// Unrecognised values are preserved verbatim so that Invoke can report them
// instead of silently picking a default.
func ParseBackendKind(raw string) BackendKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gradio", "remote-procedure", "remote_procedure":
		return RemoteProcedure
	case "openai", "direct-inference", "direct_inference":
		return DirectInference
	case "workflow":
		return Workflow
	default:
		return BackendKind(raw)
	}
}

// Operation selects the request shape of a direct-inference call.
type Operation string

const (
	OperationNone            Operation = ""
	OperationImageGeneration Operation = "image_generation"
	OperationChatCompletion  Operation = "chat_completion"
)

// Descriptor is the resolved, immutable description of one capability.
type Descriptor struct {
	Name        string
	Kind        BackendKind
	Endpoint    string
	Model       string
	Credentials config.Credentials

	// Operation is the fixed direct-inference request shape.
	Operation Operation
	// APIName is the remote-procedure route, "/predict" by default.
	APIName string
	// ResultField is the key read from a remote-procedure response map.
	ResultField string
	// ImageSize is the fixed output size for image generation.
	ImageSize string
	// Parameters orders tool arguments into the positional payload.
	Parameters []string
	Timeout    time.Duration
}

// LogValue keeps credentials out of log records.
func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", d.Name),
		slog.String("kind", string(d.Kind)),
		slog.String("endpoint", d.Endpoint),
		slog.String("model", d.Model),
		slog.Any("credentials", d.Credentials),
	)
}

func (d Descriptor) clone() Descriptor {
	d.Parameters = append([]string(nil), d.Parameters...)
	return d
}

// shapes holds the fixed per-capability request parameters.
var shapes = map[string]struct {
	op     Operation
	params []string
}{
	config.CapabilityCreateImage:      {OperationImageGeneration, []string{"prompt"}},
	config.CapabilityCreateVideo:      {OperationNone, []string{"filename_or_url"}},
	config.CapabilityGenerateContract: {OperationChatCompletion, []string{"prompt"}},
	config.CapabilityAnalyzeContract:  {OperationChatCompletion, []string{"prompt"}},
}

// DescriptorFrom converts a configuration entry into a Descriptor.
func DescriptorFrom(entry config.CapabilityConfig) Descriptor {
	desc := Descriptor{
		Name:        entry.Name,
		Kind:        ParseBackendKind(entry.EndpointType),
		Endpoint:    strings.TrimRight(entry.Endpoint, "/"),
		Model:       entry.ModelName,
		Credentials: entry.Credentials,
		APIName:     entry.APIName,
		ResultField: entry.ResultField,
		ImageSize:   entry.ImageSize,
		Timeout:     entry.Timeout,
		Operation:   OperationChatCompletion,
		Parameters:  []string{"prompt"},
	}
	if shape, ok := shapes[entry.Name]; ok {
		desc.Operation = shape.op
		desc.Parameters = append([]string(nil), shape.params...)
	}
	return desc
}
