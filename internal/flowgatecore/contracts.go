package flowgatecore

// Stability contracts shared by the service, the UI and automation clients.
// Treat these constants as API compatibility boundaries.

const (
	HeaderAPIVersion = "X-Flowgate-API-Version"
	HeaderBuild      = "X-Flowgate-Build"

	APIVersion = "1"
)

// EnginePathPrefix is where the authenticated engine proxy is mounted.
const EnginePathPrefix = "/engine"

// PushPaths are the engine-relative paths allowed to upgrade to a WebSocket.
// Tunnelled traffic bypasses tag filtering, so nothing else may be tunnelled.
var PushPaths = []string{"/rest/push"}

// Machine-readable error codes carried in raw-handler JSON error bodies.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeNotConfigured       = "engine_not_configured"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamRejected    = "upstream_rejected"
	CodeWorkspaceMismatch   = "workspace_mismatch"
	CodeBodyTooLarge        = "body_too_large"
	CodeBadRequest          = "bad_request"
)
