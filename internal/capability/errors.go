package capability

import xerrors "theta-agents/internal/errors"

const (
	CodeUnknownCapability  xerrors.Code = "UNKNOWN_CAPABILITY"
	CodeBackendUnreachable xerrors.Code = "BACKEND_UNREACHABLE"
	CodeBackendRejected    xerrors.Code = "BACKEND_REJECTED"
	CodeMalformedResponse  xerrors.Code = "MALFORMED_RESPONSE"
	CodeUnsupportedBackend xerrors.Code = "UNSUPPORTED_BACKEND"
)

func init() {
	xerrors.Register(CodeUnknownCapability, xerrors.Attributes{
		Message:  "unknown capability",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeBackendUnreachable, xerrors.Attributes{
		Message:   "capability backend unreachable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryBackend,
		Retryable: true,
	})
	xerrors.Register(CodeBackendRejected, xerrors.Attributes{
		Message:  "capability backend rejected the request",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryBackend,
	})
	xerrors.Register(CodeMalformedResponse, xerrors.Attributes{
		Message:  "capability backend returned a malformed response",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryBackend,
	})
	xerrors.Register(CodeUnsupportedBackend, xerrors.Attributes{
		Message:  "unsupported capability backend kind",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryBackend,
		Alert:    true,
	})
}
