package config

import "time"

// Default timeouts. All are overridable per RunSpec.
const (
	DefaultHandshakeTimeout   = 30 * time.Second
	DefaultTaskTimeout        = 5 * time.Minute
	DefaultTestCommandTimeout = 2 * time.Minute
	DefaultInterStartDelay    = 10 * time.Second
	DefaultCancelGracePeriod  = 5 * time.Second

	// DefaultSpanHistorySize bounds the per-task span ring kept for
	// downstream analytics.
	DefaultSpanHistorySize = 50

	// DefaultOTLPBasePort is the first port probed for the OTLP/HTTP traces
	// ingress; the listener walks forward until it finds a free one.
	DefaultOTLPBasePort = 4318

	// DefaultBaseRef is the branch each task's workspace is checked out
	// from before a run-scoped branch is created.
	DefaultBaseRef = "main"
)

// DefaultMCPServerAllowlist is the span ingest allow-list used when the
// run configuration names none. Overridable via RunSpec.AllowedMCPServers.
var DefaultMCPServerAllowlist = []string{"github", "kubernetes"}
