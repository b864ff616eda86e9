package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	xerrors "theta-agents/internal/errors"
)

// StageStatus 是单个阶段的状态。
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// StageResult 记录一个阶段的结果。
type StageResult struct {
	Name     string        `json:"name"`
	Status   StageStatus   `json:"status"`
	Payload  any           `json:"payload,omitempty"`
	Code     xerrors.Code  `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Run 是一次流水线执行：阶段按声明顺序严格串行，失败即停止。
type Run struct {
	Pipeline string        `json:"pipeline"`
	Stages   []StageResult `json:"stages"`

	next int
	log  *slog.Logger
}

var (
	tracer       = otel.Tracer("theta-agents/workflow")
	stageCounter metric.Int64Counter
)

func init() {
	stageCounter, _ = otel.Meter("theta-agents/workflow").Int64Counter(
		"workflow.stage.outcomes",
		metric.WithDescription("Workflow stage outcomes by pipeline, stage and status"),
	)
}

func newRun(pipeline string, log *slog.Logger, stages ...string) *Run {
	r := &Run{Pipeline: pipeline, Stages: make([]StageResult, len(stages)), log: log}
	for i, name := range stages {
		r.Stages[i] = StageResult{Name: name, Status: StagePending}
	}
	return r
}

// LastConfirmed 返回最后一个确认成功的阶段名，没有则为空。
func (r *Run) LastConfirmed() string {
	last := ""
	for _, s := range r.Stages {
		if s.Status != StageSucceeded {
			break
		}
		last = s.Name
	}
	return last
}

// FailedStage 返回失败的阶段。
func (r *Run) FailedStage() (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Status == StageFailed {
			return s, true
		}
	}
	return StageResult{}, false
}

// Succeeded 仅在所有阶段都成功时为真。
func (r *Run) Succeeded() bool {
	for _, s := range r.Stages {
		if s.Status != StageSucceeded {
			return false
		}
	}
	return len(r.Stages) > 0
}

// step 执行下一个阶段。name 必须与声明顺序一致，失败码 failure 用于
// 包装未分类的错误。
func (r *Run) step(ctx context.Context, name string, failure xerrors.Code, fn func(context.Context) (any, error)) error {
	if r.next >= len(r.Stages) || r.Stages[r.next].Name != name {
		panic(fmt.Sprintf("workflow %s: stage %s out of order", r.Pipeline, name))
	}
	idx := r.next
	r.next++

	ctx, span := tracer.Start(ctx, r.Pipeline+"."+name)
	defer span.End()

	start := time.Now()
	var (
		payload any
		err     error
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = xerrors.FromContext(ctxErr, "流水线已取消")
	} else {
		payload, err = fn(ctx)
	}

	stage := &r.Stages[idx]
	stage.Duration = time.Since(start)
	if err != nil {
		err = r.classify(name, failure, err)
		stage.Status = StageFailed
		stage.Code = xerrors.CodeOf(err)
		stage.Error = err.Error()
		span.SetStatus(codes.Error, stage.Error)
		r.record(ctx, name, StageFailed)
		r.log.Warn("流水线阶段失败",
			slog.String("pipeline", r.Pipeline),
			slog.String("stage", name),
			slog.String("code", string(stage.Code)),
			slog.String("last_confirmed_stage", r.LastConfirmed()),
			slog.Any("error", err))
		return err
	}
	stage.Status = StageSucceeded
	stage.Payload = payload
	span.SetAttributes(attribute.String("workflow.stage.status", string(StageSucceeded)))
	r.record(ctx, name, StageSucceeded)
	r.log.Debug("流水线阶段完成",
		slog.String("pipeline", r.Pipeline),
		slog.String("stage", name),
		slog.Duration("duration", stage.Duration))
	return nil
}

// classify 保留已经归类的阶段错误、超时与取消，其余错误包装为 failure；
// 并附带失败阶段与最后确认成功的阶段。
func (r *Run) classify(stage string, failure xerrors.Code, err error) error {
	code := failure
	if xerrors.IsIndeterminate(err) || xerrors.CategoryOf(err) == xerrors.CategoryWorkflowStage {
		code = xerrors.CodeOf(err)
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("pipeline", r.Pipeline),
		xerrors.WithMetadata("stage", stage),
		xerrors.WithMetadata("last_confirmed_stage", r.LastConfirmed()),
	}
	if coded, ok := xerrors.From(err); ok {
		for k, v := range coded.Metadata() {
			opts = append(opts, xerrors.WithMetadata(k, v))
		}
	}
	return xerrors.Wrap(code, err, fmt.Sprintf("%s 阶段 %s 失败", r.Pipeline, stage), opts...)
}

func (r *Run) record(ctx context.Context, stage string, status StageStatus) {
	if stageCounter == nil {
		return
	}
	stageCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", r.Pipeline),
		attribute.String("stage", stage),
		attribute.String("status", string(status)),
	))
}
