package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/thetavideo"
	"theta-agents/pkg/logger"
)

// 视频交付流水线的阶段名。
const (
	StageAcquireSlot      = "acquire_slot"
	StagePushPayload      = "push_payload"
	StageRequestTranscode = "request_transcode"
	StagePollStatus       = "poll_status"
	StageResolvePlayback  = "resolve_playback"
)

// VideoService 是视频流水线依赖的四个远端操作。
type VideoService interface {
	RequestUploadSlot(ctx context.Context) (thetavideo.UploadSlot, error)
	PushPayload(ctx context.Context, slot thetavideo.UploadSlot, path string) error
	RequestTranscode(ctx context.Context, req thetavideo.TranscodeRequest) (string, error)
	FetchVideo(ctx context.Context, id string) (thetavideo.Video, error)
}

// PollBudget 限定 PollStatus 阶段的查询次数与总时长。
type PollBudget struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// DefaultPollBudget 覆盖数分钟级的转码任务。
var DefaultPollBudget = PollBudget{
	MaxAttempts: 60,
	Interval:    5 * time.Second,
	MaxInterval: 30 * time.Second,
	Timeout:     15 * time.Minute,
}

// VideoDelivery 是流水线成功后的产出。
type VideoDelivery struct {
	UploadID    string `json:"upload_id"`
	VideoID     string `json:"video_id"`
	PlaybackURI string `json:"playback_uri"`
	PlayerURI   string `json:"player_uri,omitempty"`
}

// VideoPipeline 执行 AcquireSlot → PushPayload → RequestTranscode →
// PollStatus → ResolvePlayback。
type VideoPipeline struct {
	svc        VideoService
	budget     PollBudget
	collection string
	metadata   map[string]string
	log        *slog.Logger
}

// VideoOption 定制视频流水线。
type VideoOption func(*VideoPipeline)

// WithPollBudget 设置轮询预算，零值字段沿用默认值。
func WithPollBudget(b PollBudget) VideoOption {
	return func(p *VideoPipeline) {
		if b.MaxAttempts > 0 {
			p.budget.MaxAttempts = b.MaxAttempts
		}
		if b.Interval > 0 {
			p.budget.Interval = b.Interval
		}
		if b.MaxInterval > 0 {
			p.budget.MaxInterval = b.MaxInterval
		}
		if b.Timeout > 0 {
			p.budget.Timeout = b.Timeout
		}
	}
}

// WithNFTCollection 设置转码请求中的 NFT 集合地址。
func WithNFTCollection(addr string) VideoOption {
	return func(p *VideoPipeline) {
		if strings.TrimSpace(addr) != "" {
			p.collection = strings.TrimSpace(addr)
		}
	}
}

// WithVideoMetadata 设置转码请求附带的元数据。
func WithVideoMetadata(md map[string]string) VideoOption {
	return func(p *VideoPipeline) {
		if len(md) > 0 {
			p.metadata = md
		}
	}
}

// WithVideoLogger 指定日志输出。
func WithVideoLogger(log *slog.Logger) VideoOption {
	return func(p *VideoPipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// NewVideoPipeline 构造视频交付流水线。
func NewVideoPipeline(svc VideoService, opts ...VideoOption) *VideoPipeline {
	p := &VideoPipeline{
		svc:        svc,
		budget:     DefaultPollBudget,
		collection: thetavideo.DefaultNFTCollection,
		metadata:   map[string]string{"key": "value"},
		log:        logger.Named("workflow.video"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.budget.MaxInterval < p.budget.Interval {
		p.budget.MaxInterval = p.budget.Interval
	}
	return p
}

var errNotReady = stdErrors.New("transcode still in progress")

// Deliver 上传本地视频并返回播放地址。返回的 Run 总是非空，记录每个阶段
// 的状态，失败时可据此判断最后确认成功的阶段。
func (p *VideoPipeline) Deliver(ctx context.Context, path string) (VideoDelivery, *Run, error) {
	run := newRun("video_delivery", p.log,
		StageAcquireSlot, StagePushPayload, StageRequestTranscode, StagePollStatus, StageResolvePlayback)
	var out VideoDelivery

	var slot thetavideo.UploadSlot
	if err := run.step(ctx, StageAcquireSlot, CodeSlotAcquisitionFailed, func(ctx context.Context) (any, error) {
		s, err := p.svc.RequestUploadSlot(ctx)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.PresignedURL) == "" || strings.TrimSpace(s.ID) == "" {
			return nil, xerrors.New(CodeSlotAcquisitionFailed, "上传槽缺少预签名地址或上传 ID")
		}
		slot = s
		return map[string]string{"upload_id": s.ID}, nil
	}); err != nil {
		return out, run, err
	}
	out.UploadID = slot.ID

	if err := run.step(ctx, StagePushPayload, CodePayloadTransferFailed, func(ctx context.Context) (any, error) {
		return nil, p.svc.PushPayload(ctx, slot, path)
	}); err != nil {
		return out, run, err
	}

	if err := run.step(ctx, StageRequestTranscode, CodeTranscodeRequestFailed, func(ctx context.Context) (any, error) {
		id, err := p.svc.RequestTranscode(ctx, thetavideo.TranscodeRequest{
			SourceUploadID: slot.ID,
			PlaybackPolicy: "public",
			NFTCollection:  p.collection,
			Metadata:       p.metadata,
		})
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(id) == "" {
			return nil, xerrors.New(CodeTranscodeRequestFailed, "转码请求没有返回任务 ID")
		}
		out.VideoID = id
		return map[string]string{"video_id": id}, nil
	}); err != nil {
		return out, run, err
	}

	var video thetavideo.Video
	if err := run.step(ctx, StagePollStatus, CodeTranscodePollTimeout, func(ctx context.Context) (any, error) {
		v, err := p.poll(ctx, out.VideoID)
		video = v
		if err != nil {
			return nil, err
		}
		return map[string]string{"state": v.State}, nil
	}); err != nil {
		return out, run, err
	}

	if err := run.step(ctx, StageResolvePlayback, CodePlaybackUnavailable, func(context.Context) (any, error) {
		uri := strings.TrimSpace(video.PlaybackURI)
		if uri == "" {
			return nil, xerrors.New(CodePlaybackUnavailable,
				fmt.Sprintf("视频 %s 已结束处理但没有播放地址: state=%s %s", out.VideoID, video.State, video.Error),
				xerrors.WithMetadata("video_id", out.VideoID),
				xerrors.WithMetadata("state", video.State))
		}
		out.PlaybackURI = uri
		out.PlayerURI = video.PlayerURI
		return map[string]string{"playback_uri": uri}, nil
	}); err != nil {
		return out, run, err
	}

	return out, run, nil
}

// poll 以指数退避查询视频状态，直到进入终态或预算耗尽。查询出错也计入
// 预算而不是立即失败。
func (p *VideoPipeline) poll(ctx context.Context, id string) (thetavideo.Video, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.budget.Interval
	eb.MaxInterval = p.budget.MaxInterval
	eb.MaxElapsedTime = p.budget.Timeout
	eb.Multiplier = 1.5

	var policy backoff.BackOff = eb
	if p.budget.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.budget.MaxAttempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	var (
		last     thetavideo.Video
		attempts int
	)
	operation := func() error {
		attempts++
		v, err := p.svc.FetchVideo(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		last = v
		if v.Terminal() {
			return nil
		}
		return errNotReady
	}
	notify := func(err error, wait time.Duration) {
		p.log.Debug("视频仍在处理",
			slog.String("video_id", id),
			slog.Int("attempt", attempts),
			slog.String("state", last.State),
			slog.Float64("progress", last.Progress),
			slog.Duration("next_in", wait),
			slog.String("reason", err.Error()))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "轮询视频状态被中断"); coded != nil {
			return last, coded
		}
		return last, xerrors.Wrap(CodeTranscodePollTimeout, err,
			fmt.Sprintf("视频 %s 在 %d 次查询内未完成转码", id, attempts),
			xerrors.WithMetadata("video_id", id),
			xerrors.WithMetadata("attempts", fmt.Sprint(attempts)),
			xerrors.WithMetadata("state", last.State))
	}
	return last, nil
}
