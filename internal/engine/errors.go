package engine

import "github.com/southpaw-go/southpaw/internal/scheduler"

// ProtocolError re-exports the scheduler's fatal protocol-violation type
// under the engine package so callers needn't import internal/scheduler
// themselves (spec.md §7, SPEC_FULL.md §10.4).
type ProtocolError = scheduler.ProtocolError
