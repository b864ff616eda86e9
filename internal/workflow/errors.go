package workflow

import xerrors "theta-agents/internal/errors"

// 视频交付流水线各阶段的失败码。
const (
	CodeSlotAcquisitionFailed  xerrors.Code = "SLOT_ACQUISITION_FAILED"
	CodePayloadTransferFailed  xerrors.Code = "PAYLOAD_TRANSFER_FAILED"
	CodeTranscodeRequestFailed xerrors.Code = "TRANSCODE_REQUEST_FAILED"
	CodeTranscodePollTimeout   xerrors.Code = "TRANSCODE_POLL_TIMEOUT"
	CodePlaybackUnavailable    xerrors.Code = "PLAYBACK_UNAVAILABLE"
)

// 合约部署流水线各阶段的失败码。
const (
	CodeCompilationFailed        xerrors.Code = "COMPILATION_FAILED"
	CodeCompilationTargetMissing xerrors.Code = "COMPILATION_TARGET_MISSING"
	CodeTransactionBuildFailed   xerrors.Code = "TRANSACTION_BUILD_FAILED"
	CodeNonceFetchFailed         xerrors.Code = "NONCE_FETCH_FAILED"
	CodeTransactionSigningFailed xerrors.Code = "TRANSACTION_SIGNING_FAILED"
	CodeBroadcastRejected        xerrors.Code = "BROADCAST_REJECTED"
	CodeReceiptTimeout           xerrors.Code = "RECEIPT_TIMEOUT"
	CodeDeploymentReverted       xerrors.Code = "DEPLOYMENT_REVERTED"
)

func init() {
	stage := func(code xerrors.Code, msg string, retryable bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   msg,
			Severity:  xerrors.SeverityWarning,
			Category:  xerrors.CategoryWorkflowStage,
			Retryable: retryable,
		})
	}
	stage(CodeSlotAcquisitionFailed, "failed to acquire an upload slot", true)
	stage(CodePayloadTransferFailed, "failed to transfer the video payload", true)
	stage(CodeTranscodeRequestFailed, "failed to request transcoding", true)
	stage(CodePlaybackUnavailable, "playback location unavailable", false)
	stage(CodeCompilationFailed, "contract compilation failed", false)
	stage(CodeCompilationTargetMissing, "named contract missing from compilation output", false)
	stage(CodeTransactionBuildFailed, "failed to build the deployment transaction", false)
	stage(CodeNonceFetchFailed, "failed to fetch the account nonce", true)
	stage(CodeTransactionSigningFailed, "failed to sign the deployment transaction", false)
	stage(CodeBroadcastRejected, "network rejected the transaction", false)
	stage(CodeDeploymentReverted, "deployment transaction reverted", false)

	xerrors.Register(CodeTranscodePollTimeout, xerrors.Attributes{
		Message:       "transcode did not finish within the polling budget",
		Severity:      xerrors.SeverityWarning,
		Category:      xerrors.CategoryTimeout,
		Retryable:     true,
		Indeterminate: true,
	})
	xerrors.Register(CodeReceiptTimeout, xerrors.Attributes{
		Message:       "transaction receipt not available within the wait budget",
		Severity:      xerrors.SeverityWarning,
		Category:      xerrors.CategoryTimeout,
		Indeterminate: true,
	})
}
