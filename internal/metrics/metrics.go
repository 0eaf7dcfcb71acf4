// Package metrics holds the counters shared by the transport, queue and file
// transfer layers.
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
)

// Counter names
const (
	DroppedWrites       = "transport.dropped_writes"
	FrameParseErrors    = "transport.frame_parse_errors"
	Connections         = "transport.connections"
	Disconnections      = "transport.disconnections"
	TLSFallbacks        = "transport.tls_fallbacks"
	ClipboardCoalesced  = "queue.clipboard_coalesced"
	QueueDispatched     = "queue.dispatched"
	MovesCoalesced      = "queue.moves_coalesced"
	OutboundDropped     = "session.outbound_dropped"
	TransfersCompleted  = "filetransfer.completed"
	TransfersFailed     = "filetransfer.failed"
	TransfersCancelled  = "filetransfer.cancelled"
	ChecksumMismatches  = "filetransfer.checksum_mismatches"
	PlacementFailures   = "edge.placement_failures"
	SuppressedFeedbacks = "edge.suppressed_feedback"
	MovesDropped        = "edge.moves_dropped"
)

// Noop is a scope that records nothing.
var Noop = tally.NoopScope

// ReportInterval is how often the root scope flushes counters to the log.
const ReportInterval = time.Minute

// NewRoot creates the process-wide root scope. Counter deltas are logged
// every ReportInterval. The returned closer flushes and stops the reporting
// loop.
func NewRoot(prefix string) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    prefix,
		Separator: tally.DefaultSeparator,
		Reporter:  LogReporter{},
	}, ReportInterval)
}

// OrNoop returns scope, or Noop if scope is nil.
func OrNoop(scope tally.Scope) tally.Scope {
	if scope == nil {
		return Noop
	}
	return scope
}

// Snapshot returns the current counter values of a root scope, keyed by the
// fully qualified counter name. Scopes that cannot be snapshotted yield nil.
func Snapshot(scope tally.Scope) map[string]int64 {
	ts, ok := scope.(tally.TestScope)
	if !ok {
		return nil
	}
	out := make(map[string]int64)
	for _, c := range ts.Snapshot().Counters() {
		out[c.Name()] = c.Value()
	}
	return out
}
