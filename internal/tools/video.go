package tools

import (
	"context"
	"log/slog"

	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
	"theta-agents/internal/workflow"
	"theta-agents/pkg/logger"
)

// videoTool 上传本地视频到 Theta Video 并等待转码完成。
type videoTool struct {
	cfg     config.VideoConfig
	factory VideoServiceFactory
	log     *slog.Logger
}

func newVideoTool(cfg config.VideoConfig, factory VideoServiceFactory, log *slog.Logger) *videoTool {
	return &videoTool{cfg: cfg, factory: factory, log: log}
}

func (*videoTool) sealed() {}

func (*videoTool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        config.CapabilityUploadVideo,
		Description: "Upload a local video file to Theta Video, wait for transcoding and return the playback URL.",
		Parameters: objectSchema([]string{"filepath"}, map[string]any{
			"filepath": stringProp("Path of the local video file."),
		}),
	}
}

func (t *videoTool) Invoke(ctx context.Context, desc capability.Descriptor, args capability.Arguments) capability.Result {
	path := args.String("filepath")
	if path == "" {
		return capability.Failed(desc.Name, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数 filepath"))
	}
	svc, err := t.factory(desc)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}

	pipeline := workflow.NewVideoPipeline(svc,
		workflow.WithPollBudget(workflow.PollBudget{
			MaxAttempts: t.cfg.Poll.MaxAttempts,
			Interval:    t.cfg.Poll.Interval,
			MaxInterval: t.cfg.Poll.MaxInterval,
			Timeout:     t.cfg.Poll.Timeout,
		}),
		workflow.WithNFTCollection(t.cfg.NFTCollection),
		workflow.WithVideoMetadata(t.cfg.Metadata),
		workflow.WithVideoLogger(t.log.With(slog.String("capability", desc.Name))),
	)
	delivery, run, err := pipeline.Deliver(ctx, path)
	report := runReport(run, delivery)
	if err != nil {
		return capability.FailedWith(desc.Name, report, err)
	}

	logger.Audit().Info("视频已发布",
		slog.String("capability", desc.Name),
		slog.String("file", path),
		slog.String("video_id", delivery.VideoID),
		slog.String("playback_uri", delivery.PlaybackURI))
	return capability.Succeeded(desc.Name, report)
}

// runReport 汇总流水线结果与各阶段状态，失败时同样回传给模型。
func runReport(run *workflow.Run, result any) map[string]any {
	report := map[string]any{"result": result}
	if run != nil {
		report["pipeline"] = run.Pipeline
		report["stages"] = run.Stages
		report["last_confirmed_stage"] = run.LastConfirmed()
	}
	return report
}
