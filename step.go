package migration

import (
	"context"
	"database/sql"
	"sort"
)

// StepKind distinguishes an up migration, which is executed, from a
// down migration, which the engine recognizes but never runs.
type StepKind int

const (
	// StepKindUp marks a SQL script that advances the schema.
	StepKindUp StepKind = iota
	// StepKindDown marks a SQL script that would reverse a schema
	// change. The engine filters these out before building the step
	// stream; down migrations are unsupported at runtime.
	StepKindDown
)

// SqlStep is one declarative SQL migration script, produced by the
// build from a .sql file.
type SqlStep struct {
	Version     Version
	Description string
	Body        string
	Checksum    []byte
	Kind        StepKind
}

// CodeStep is one imperative Go-code migration. Name is the stable
// identifier used for bookkeeping; applied history is keyed by Name,
// not by Version, so a migration can be moved to a different version
// without losing its applied-history row.
//
// Migrate must be idempotent: if the process crashes between a
// successful return from Migrate and the history-table write that
// records it, the step runs again on the next migrate call.
type CodeStep struct {
	Version Version
	Name    string
	Migrate func(ctx context.Context, legacySource *LegacySource, conn *sql.Conn) error
}

// NextStep is the unit the ordering and applier operate over: either
// a SqlStep or a CodeStep.
type NextStep struct {
	sql  *SqlStep
	code *CodeStep
}

// IsSQL reports whether this step is a SqlStep.
func (s NextStep) IsSQL() bool { return s.sql != nil }

// Version returns the step's version, regardless of family.
func (s NextStep) Version() Version {
	if s.sql != nil {
		return s.sql.Version
	}
	return s.code.Version
}

// SQL returns the wrapped SqlStep and true, or (nil, false) if this
// step wraps a CodeStep.
func (s NextStep) SQL() (*SqlStep, bool) {
	return s.sql, s.sql != nil
}

// Code returns the wrapped CodeStep and true, or (nil, false) if this
// step wraps a SqlStep.
func (s NextStep) Code() (*CodeStep, bool) {
	return s.code, s.code != nil
}

// orderSteps merges sqlSteps and codeSteps into one sequence sorted by
// (version ascending, family), with SQL preceding code at equal
// version: a SQL step typically creates the table or column that its
// companion code migration then populates. Down steps are filtered
// out here, before any other component sees the stream. Steps with a
// version greater than upTo are also excluded.
func orderSteps(sqlSteps []SqlStep, codeSteps []CodeStep, upTo Version) []NextStep {
	steps := make([]NextStep, 0, len(sqlSteps)+len(codeSteps))

	for i := range sqlSteps {
		s := &sqlSteps[i]
		if s.Kind == StepKindDown {
			continue
		}
		if s.Version > upTo {
			continue
		}
		steps = append(steps, NextStep{sql: s})
	}
	for i := range codeSteps {
		c := &codeSteps[i]
		if c.Version > upTo {
			continue
		}
		steps = append(steps, NextStep{code: c})
	}

	sort.SliceStable(steps, func(i, j int) bool {
		vi, vj := steps[i].Version(), steps[j].Version()
		if vi != vj {
			return vi < vj
		}
		// equal version: SQL before code
		return steps[i].IsSQL() && !steps[j].IsSQL()
	})

	return steps
}
