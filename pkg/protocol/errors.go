package protocol

import "fmt"

// Error codes are grouped in closed ranges of one thousand; the category of a
// code is derived from its range. The set of recoverable codes is frozen:
// extending it is a protocol-compatibility change.
const (
	// TRANSPORT (1000–1999)
	CodeConnectionFailed = 1000
	CodeAuthFailed       = 1001
	CodeTimeout          = 1002
	CodeRateLimited      = 1003
	CodeProtocolError    = 1004

	// DEVICE (2000–2999)
	CodeDeviceOffline     = 2001
	CodePermissionDenied  = 2002
	CodePrivilegeRequired = 2003
	CodeLowMemory         = 2004
	CodeScreenOff         = 2005

	// APP (3000–3999)
	CodeAppNotInstalled  = 3001
	CodeAppInstallFailed = 3002
	CodeAppLaunchTimeout = 3003

	// UI (4000–4999)
	CodeElementNotFound      = 4001
	CodeElementNotVisible    = 4002
	CodeStaleElement         = 4003
	CodeGestureFailed        = 4004
	CodeHierarchyUnavailable = 4005

	// PERF (5000–5999)
	CodePerfSessionNotFound = 5001
	CodePerfAlreadyRunning  = 5002

	// FILE (6000–6999)
	CodeFileNotFound     = 6001
	CodeFileAccessDenied = 6002

	// PLUGIN (7000–7999)
	CodePluginInitFailed        = 7001
	CodePluginDependencyMissing = 7002
	CodePluginLoadFailed        = 7003

	// INTERNAL (9000–9999)
	CodeUnknown        = 9000
	CodeInternalError  = 9001
	CodeNotImplemented = 9002
)

// Error categories, one per code range.
const (
	CategoryTransport = "TRANSPORT"
	CategoryDevice    = "DEVICE"
	CategoryApp       = "APP"
	CategoryUI        = "UI"
	CategoryPerf      = "PERF"
	CategoryFile      = "FILE"
	CategoryPlugin    = "PLUGIN"
	CategoryInternal  = "INTERNAL"
)

// recoverableCodes is the frozen set of codes a client may retry.
var recoverableCodes = map[int]bool{
	CodeRateLimited:       true,
	CodeTimeout:           true,
	CodeLowMemory:         true,
	CodeScreenOff:         true,
	CodeElementNotFound:   true,
	CodeElementNotVisible: true,
	CodeStaleElement:      true,
	CodeAppLaunchTimeout:  true,
}

// CategoryOf derives the category string from a code's thousand-range.
func CategoryOf(code int) string {
	switch {
	case code >= 1000 && code < 2000:
		return CategoryTransport
	case code >= 2000 && code < 3000:
		return CategoryDevice
	case code >= 3000 && code < 4000:
		return CategoryApp
	case code >= 4000 && code < 5000:
		return CategoryUI
	case code >= 5000 && code < 6000:
		return CategoryPerf
	case code >= 6000 && code < 7000:
		return CategoryFile
	case code >= 7000 && code < 8000:
		return CategoryPlugin
	default:
		return CategoryInternal
	}
}

// IsRecoverable reports whether a code is on the frozen recoverable list.
func IsRecoverable(code int) bool {
	return recoverableCodes[code]
}

// AgentError is the typed error carried in response envelopes. Category and
// Recoverable are derived from Code and never set independently.
type AgentError struct {
	Code            int            `json:"code"`
	Category        string         `json:"category"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	Recoverable     bool           `json:"recoverable"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
}

// NewAgentError builds a typed error with derived category and recoverability.
func NewAgentError(code int, message string) *AgentError {
	return &AgentError{
		Code:        code,
		Category:    CategoryOf(code),
		Message:     message,
		Recoverable: IsRecoverable(code),
	}
}

// NewAgentErrorf builds a typed error with a formatted message.
func NewAgentErrorf(code int, format string, args ...any) *AgentError {
	return NewAgentError(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches a details object and returns the error.
func (e *AgentError) WithDetails(details map[string]any) *AgentError {
	e.Details = details
	return e
}

// WithSuggestedAction attaches a remediation hint and returns the error.
func (e *AgentError) WithSuggestedAction(action string) *AgentError {
	e.SuggestedAction = action
	return e
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("[%d %s] %s", e.Code, e.Category, e.Message)
}
