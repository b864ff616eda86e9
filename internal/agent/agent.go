package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"theta-agents/internal/capability"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/events"
	"theta-agents/internal/llm"
	"theta-agents/internal/memory"
	"theta-agents/pkg/logger"
)

// Dispatcher 声明并执行工具。*tools.Toolset 实现了该接口。
type Dispatcher interface {
	Schemas() []llm.ToolSchema
	Invoke(ctx context.Context, name string, raw json.RawMessage) capability.Result
}

// ReplyError 是轮次以错误结束时返回给调用方的结构化错误。
type ReplyError struct {
	Code          xerrors.Code     `json:"code"`
	Category      xerrors.Category `json:"category"`
	Message       string           `json:"message"`
	Indeterminate bool             `json:"indeterminate,omitempty"`
	Retryable     bool             `json:"retryable,omitempty"`
}

// Invocation 记录一次工具调用及其结果。
type Invocation struct {
	CallID     string            `json:"call_id"`
	Capability string            `json:"capability"`
	Arguments  json.RawMessage   `json:"arguments"`
	Round      int               `json:"round"`
	Result     capability.Result `json:"result"`
	DurationMS int64             `json:"duration_ms"`
}

// Reply 汇总一轮对话的结果。
type Reply struct {
	ThreadID       string       `json:"thread_id"`
	TurnID         string       `json:"turn_id"`
	PlanningText   string       `json:"planning_text"`
	UserFacingText string       `json:"user_facing_text"`
	RawText        string       `json:"raw_text,omitempty"`
	Error          *ReplyError  `json:"error,omitempty"`
	Invocations    []Invocation `json:"invocations,omitempty"`
	Rounds         int          `json:"rounds"`
}

// Succeeded 表示轮次以模型的终止回复正常结束。
func (r *Reply) Succeeded() bool { return r.Error == nil }

func (r *Reply) setError(err error) {
	r.Error = &ReplyError{
		Code:          xerrors.CodeOf(err),
		Category:      xerrors.CategoryOf(err),
		Message:       err.Error(),
		Indeterminate: xerrors.IsIndeterminate(err),
		Retryable:     xerrors.RetryableError(err),
	}
}

// Agent 驱动对话线程上的工具调度循环。
type Agent struct {
	model         llm.Client
	tools         Dispatcher
	store         memory.Store
	sink          events.Sink
	log           *slog.Logger
	locks         *threadLocks
	system        string
	defaultThread string
	maxRounds     int
	parallel      bool
	maxParallel   int
	llmTimeout    time.Duration
	turnTimeout   time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMaxRounds   = 8
	defaultMaxParallel = 4
)

var (
	tracer        = otel.Tracer("theta-agents/agent")
	turnCounter   metric.Int64Counter
	toolCounter   metric.Int64Counter
	turnHistogram metric.Float64Histogram
)

func init() {
	meter := otel.Meter("theta-agents/agent")
	turnCounter, _ = meter.Int64Counter("agent.turns",
		metric.WithDescription("Conversation turns by outcome code"))
	toolCounter, _ = meter.Int64Counter("agent.tool.invocations",
		metric.WithDescription("Tool invocations by capability and outcome"))
	turnHistogram, _ = meter.Float64Histogram("agent.turn.duration",
		metric.WithDescription("Turn duration"), metric.WithUnit("ms"))
}

// WithMaxToolRounds 设置单轮对话内允许的工具调度轮次。
func WithMaxToolRounds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// WithParallelTools 允许同一轮内的多个工具调用并发执行，limit 为最大并发数。
func WithParallelTools(enabled bool, limit int) Option {
	return func(a *Agent) {
		a.parallel = enabled
		if limit > 0 {
			a.maxParallel = limit
		}
	}
}

// WithPersona 在系统提示词后追加人设描述。
func WithPersona(persona string) Option {
	return func(a *Agent) {
		if persona = strings.TrimSpace(persona); persona != "" {
			a.system = systemPrompt + "\n\n" + persona
		}
	}
}

// WithDefaultThread 设置未指定线程时使用的线程 ID。
func WithDefaultThread(threadID string) Option {
	return func(a *Agent) {
		if threadID != "" {
			a.defaultThread = threadID
		}
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithTurnTimeout 设置整轮对话的超时时间。
func WithTurnTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.turnTimeout = 0
			return
		}
		a.turnTimeout = timeout
	}
}

// WithEventSink 设置事件输出。
func WithEventSink(sink events.Sink) Option {
	return func(a *Agent) {
		if sink != nil {
			a.sink = sink
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// New 创建一个 Agent。
func New(model llm.Client, tools Dispatcher, store memory.Store, opts ...Option) *Agent {
	ag := &Agent{
		model:         model,
		tools:         tools,
		store:         store,
		sink:          events.NopSink{},
		log:           logger.Named("agent"),
		locks:         newThreadLocks(),
		system:        systemPrompt,
		defaultThread: uuid.NewString(),
		maxRounds:     defaultMaxRounds,
		maxParallel:   defaultMaxParallel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.store == nil {
		ag.store = memory.NewMemoryStore()
	}
	return ag
}

// DefaultThread 返回默认线程 ID。
func (a *Agent) DefaultThread() string { return a.defaultThread }

// NewThread 生成一个新的线程 ID。
func (a *Agent) NewThread() string { return uuid.NewString() }

// History 返回线程的全部消息。
func (a *Agent) History(ctx context.Context, threadID string) ([]memory.Message, error) {
	if threadID == "" {
		threadID = a.defaultThread
	}
	return a.store.Load(ctx, threadID)
}

// Turn 在线程上处理一条用户消息。同一线程的轮次串行执行。
func (a *Agent) Turn(ctx context.Context, threadID, text string) (*Reply, error) {
	// 验证必要的组件是否已配置。
	if a.model == nil || a.tools == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端或工具集")
	}
	if threadID == "" {
		threadID = a.defaultThread
	}
	if err := memory.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户消息不能为空")
	}

	if a.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.turnTimeout)
		defer cancel()
	}

	release, err := a.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, xerrors.FromContext(err, "等待线程空闲时超时或被取消")
	}
	defer release()

	started := time.Now()
	reply := &Reply{ThreadID: threadID, TurnID: uuid.NewString()}
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("turn_id", reply.TurnID),
	))
	defer span.End()

	// 加载历史并记录用户消息。
	history, err := a.store.Load(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	user := memory.UserMessage(text)
	if err := a.store.Append(context.WithoutCancel(ctx), threadID, user); err != nil {
		span.RecordError(err)
		return nil, err
	}
	history = append(history, user)

	err = a.loop(ctx, reply, history)
	if ferr := a.finish(ctx, started, reply, err); err == nil {
		err = ferr
	}
	if reply.Error != nil {
		span.SetStatus(codes.Error, reply.Error.Message)
	}
	span.SetAttributes(attribute.Int("rounds", reply.Rounds))
	return reply, err
}

// loop 执行 ModelDecision 与 ToolExecution 的交替，直到终止或出错。
func (a *Agent) loop(ctx context.Context, reply *Reply, history []memory.Message) error {
	persist := context.WithoutCancel(ctx)
	for round := 1; ; round++ {
		resp, err := a.decide(ctx, history)
		if err != nil {
			return err
		}

		// 没有工具调用即为终止回复。
		if len(resp.ToolCalls) == 0 {
			planning, userFacing, perr := ParseReply(resp.Content)
			if perr != nil {
				reply.RawText = resp.Content
				reply.setError(perr)
				return nil
			}
			reply.PlanningText, reply.UserFacingText = planning, userFacing
			return nil
		}

		if round > a.maxRounds {
			reply.RawText = resp.Content
			reply.setError(xerrors.New(CodeToolRoundsExceeded,
				fmt.Sprintf("工具调度超过 %d 轮仍未得到终止回复", a.maxRounds),
				xerrors.WithMetadata("max_rounds", strconv.Itoa(a.maxRounds))))
			return nil
		}
		reply.Rounds = round

		// 先记录调用，再执行，最后按请求顺序记录结果。
		calls := normalizeCalls(resp.ToolCalls)
		invocations := make([]memory.Message, len(calls))
		for i, call := range calls {
			invocations[i] = memory.ToolInvocation(call.ID, call.Name, call.Arguments)
		}
		// 模型随调用给出的说明挂在本轮第一条调用上。
		invocations[0].Text = resp.Content
		if err := a.store.Append(persist, reply.ThreadID, invocations...); err != nil {
			return err
		}
		history = append(history, invocations...)

		records := a.dispatch(ctx, reply, round, calls)
		results := make([]memory.Message, len(records))
		for i, rec := range records {
			results[i] = memory.ToolResult(rec.CallID, rec.Capability, rec.Result.Content(), !rec.Result.OK())
		}
		reply.Invocations = append(reply.Invocations, records...)
		if err := a.store.Append(persist, reply.ThreadID, results...); err != nil {
			return err
		}
		history = append(history, results...)

		if err := ctx.Err(); err != nil {
			return xerrors.FromContext(err, "对话轮次超时或被取消")
		}
	}
}

func (a *Agent) decide(ctx context.Context, history []memory.Message) (*llm.Response, error) {
	callCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.model.Complete(callCtx, llm.Request{
		System:      a.system,
		Messages:    buildMessages(history),
		Tools:       a.tools.Schemas(),
		JSONMode:    true,
		Temperature: 0,
	})
	if err != nil {
		if coded := xerrors.FromContext(callCtx.Err(), "大模型推理超时或被取消"); coded != nil {
			return nil, coded
		}
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(llm.CodeModelUnavailable, err, "大模型推理失败")
		}
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(llm.CodeModelMalformed, "大模型返回空响应")
	}
	return resp, nil
}

// dispatch 执行一轮内的工具调用，结果顺序与请求顺序一致。
func (a *Agent) dispatch(ctx context.Context, reply *Reply, round int, calls []pendingCall) []Invocation {
	records := make([]Invocation, len(calls))
	if !a.parallel || len(calls) == 1 {
		for i, call := range calls {
			records[i] = a.invoke(ctx, reply, round, call)
		}
		return records
	}

	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			records[i] = a.invoke(ctx, reply, round, call)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (a *Agent) invoke(ctx context.Context, reply *Reply, round int, call pendingCall) Invocation {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("capability", call.Name),
		attribute.String("call_id", call.ID),
		attribute.Int("round", round),
	))
	defer span.End()

	var result capability.Result
	switch {
	case call.rejected != nil:
		result = capability.Failed(call.Name, call.rejected)
	case ctx.Err() != nil:
		result = capability.Failed(call.Name, xerrors.FromContext(ctx.Err(), "对话已取消，未执行工具"))
	default:
		result = a.tools.Invoke(ctx, call.Name, call.Arguments)
	}
	elapsed := time.Since(started)

	outcome := "succeeded"
	if !result.OK() {
		outcome = "failed"
		span.SetStatus(codes.Error, result.Failure.Message)
		err := result.Err()
		a.log.Log(ctx, xerrors.LogLevel(err), "工具调用失败",
			slog.String("thread_id", reply.ThreadID),
			slog.String("capability", call.Name),
			slog.String("code", string(result.Failure.Code)),
			slog.Bool("indeterminate", result.Failure.Indeterminate),
			slog.Bool("retryable", result.Failure.Retryable),
			slog.Bool("alert", xerrors.ShouldAlert(err)))
	}
	toolCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", call.Name),
		attribute.String("outcome", outcome),
	))

	event := events.New(events.TypeToolInvoked, reply.ThreadID, reply.TurnID)
	event.Capability = call.Name
	event.CallID = call.ID
	event.Round = round
	event.Succeeded = result.OK()
	event.DurationMS = elapsed.Milliseconds()
	if !result.OK() {
		event.Code = string(result.Failure.Code)
		event.Indeterminate = result.Failure.Indeterminate
	}
	a.publish(ctx, event)

	return Invocation{
		CallID:     call.ID,
		Capability: call.Name,
		Arguments:  call.Arguments,
		Round:      round,
		Result:     result,
		DurationMS: elapsed.Milliseconds(),
	}
}

// finish 记录唯一的终止消息并投递轮次事件。
func (a *Agent) finish(ctx context.Context, started time.Time, reply *Reply, err error) error {
	if err != nil && reply.Error == nil {
		reply.setError(err)
	}
	errText := ""
	if reply.Error != nil {
		errText = reply.Error.Message
	}
	persist := context.WithoutCancel(ctx)
	msg := memory.AgentMessage(reply.PlanningText, reply.UserFacingText, errText)
	appendErr := a.store.Append(persist, reply.ThreadID, msg)

	elapsed := time.Since(started)
	code := "OK"
	if reply.Error != nil {
		code = string(reply.Error.Code)
	}
	turnCounter.Add(persist, 1, metric.WithAttributes(attribute.String("code", code)))
	turnHistogram.Record(persist, float64(elapsed.Milliseconds()))

	event := events.New(events.TypeTurnCompleted, reply.ThreadID, reply.TurnID)
	event.Round = reply.Rounds
	event.Succeeded = reply.Succeeded()
	event.DurationMS = elapsed.Milliseconds()
	if reply.Error != nil {
		event.Code = code
		event.Indeterminate = reply.Error.Indeterminate
	}
	a.publish(persist, event)

	a.log.InfoContext(persist, "对话轮次结束",
		slog.String("thread_id", reply.ThreadID),
		slog.String("turn_id", reply.TurnID),
		slog.Int("rounds", reply.Rounds),
		slog.Int("invocations", len(reply.Invocations)),
		slog.String("code", code),
		slog.Duration("elapsed", elapsed))
	return appendErr
}

func (a *Agent) publish(ctx context.Context, event events.Event) {
	if err := a.sink.Publish(context.WithoutCancel(ctx), event); err != nil {
		a.log.WarnContext(ctx, "事件投递失败",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

// pendingCall 是规整后的工具调用。rejected 非空时不派发，直接作为失败结果交还模型。
type pendingCall struct {
	llm.ToolCall
	rejected error
}

// normalizeCalls 补齐缺失的调用 ID 与空参数。参数不是合法 JSON 时原文以 JSON 字符串保存，
// 保证调用记录仍可序列化。
func normalizeCalls(calls []llm.ToolCall) []pendingCall {
	out := make([]pendingCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		var rejected error
		switch {
		case len(bytes.TrimSpace(call.Arguments)) == 0:
			call.Arguments = json.RawMessage("{}")
		case !json.Valid(call.Arguments):
			quoted, _ := json.Marshal(string(call.Arguments))
			call.Arguments = quoted
			rejected = xerrors.New(xerrors.CodeInvalidArgument, "工具参数不是合法的 JSON，请修正后重试",
				xerrors.WithMetadata("capability", call.Name),
				xerrors.WithMetadata("call_id", call.ID))
		}
		out[i] = pendingCall{ToolCall: call, rejected: rejected}
	}
	return out
}
