// Package migration manages database schema migrations for a node's
// embedded relational storage layer. It interleaves declarative SQL
// scripts and imperative Go-code migrations into one deterministic
// stream, detects drift (tampered scripts, partially-applied steps),
// holds an exclusive lock while applying, and performs a one-shot
// import when moving from a legacy single-file database to a
// server-backed one.
//
// Write migrations in SQL or Go
//
// Most schema changes are plain DDL, so they are written as SQL
// scripts. Some changes need to touch existing data in ways that are
// awkward to express in SQL; those are written as Go code migrations
// instead. Both kinds share one version space and are applied in a
// single ascending order, with SQL preceding code at equal version.
//
// No down migrations
//
// Unlike some migration packages, this one never runs a migration in
// reverse. Schema changes are forward-only; recovering from a bad
// migration is an operational, not an engine, concern.
//
// Deploy as part of a larger executable
//
// This package does not provide a stand-alone command line utility.
// The cli subdirectory contains a re-usable cobra command for
// embedding in a project-specific binary.
package migration

import "math"

// Version is a totally-ordered migration identifier. It typically
// encodes a timestamp (yyyyMMddHHmmss) but the engine attaches no
// semantics to the integer beyond its ordering.
type Version int64

// VersionMin and VersionMax bound the version space. VersionMin is
// the version before any migration has run; VersionMax is used to
// request "migrate everything registered".
const (
	VersionMin Version = 0
	VersionMax Version = math.MaxInt64
)
