package tools

import (
	"context"

	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	"theta-agents/internal/llm"
)

const analysisInstruction = "Analyze the following smart contract. Report its purpose, security issues and gas concerns:\n\n"

// generationTool 通过能力客户端调用远端过程或直接推理后端。
type generationTool struct {
	name   string
	client *capability.Client
}

func newGenerationTool(name string, client *capability.Client) *generationTool {
	return &generationTool{name: name, client: client}
}

func (*generationTool) sealed() {}

func (g *generationTool) Schema() llm.ToolSchema {
	switch g.name {
	case config.CapabilityCreateImage:
		return llm.ToolSchema{
			Name:        g.name,
			Description: "Create an image based on a prompt and return the image URL.",
			Parameters: objectSchema([]string{"prompt"}, map[string]any{
				"prompt": stringProp("Description of the image to generate."),
			}),
		}
	case config.CapabilityCreateVideo:
		return llm.ToolSchema{
			Name:        g.name,
			Description: "Create a video from an image (URL or filename) and return the video URL.",
			Parameters: objectSchema([]string{"filename_or_url"}, map[string]any{
				"filename_or_url": stringProp("URL or local filename of the source image."),
			}),
		}
	case config.CapabilityAnalyzeContract:
		return llm.ToolSchema{
			Name:        g.name,
			Description: "Analyze Solidity smart contract code and report issues.",
			Parameters: objectSchema([]string{"contract_code"}, map[string]any{
				"contract_code": stringProp("Solidity source code to analyze."),
			}),
		}
	default:
		return llm.ToolSchema{
			Name:        g.name,
			Description: "Generate smart contract code based on a user's prompt.",
			Parameters: objectSchema([]string{"prompt"}, map[string]any{
				"prompt": stringProp("What the smart contract should do."),
			}),
		}
	}
}

func (g *generationTool) Invoke(ctx context.Context, desc capability.Descriptor, args capability.Arguments) capability.Result {
	if g.name == config.CapabilityAnalyzeContract && args.String("prompt") == "" {
		if code := args.String("contract_code"); code != "" {
			args["prompt"] = analysisInstruction + code
		}
	}
	return g.client.Invoke(ctx, desc, args)
}
