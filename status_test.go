package migration

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationStatusConstructors(t *testing.T) {
	v := Version(42)

	got := upToDate(v)
	want := MigrationStatus{Kind: StatusUpToDate, LastVersion: v}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("upToDate mismatch (-want +got):\n%s", diff)
	}

	last := Version(10)
	gotTodo := todo(&last, v)
	wantTodo := MigrationStatus{Kind: StatusTodo, LastApplied: &last, NextPending: v}
	if diff := cmp.Diff(wantTodo, gotTodo, cmpopts.IgnoreFields(MigrationStatus{}, "Reason")); diff != "" {
		t.Fatalf("todo mismatch (-want +got):\n%s", diff)
	}

	reason := &DirtyVersionError{Version: v}
	gotFailed := failed(v, reason)
	require.Equal(t, StatusFailed, gotFailed.Kind)
	require.Equal(t, v, gotFailed.FailedVersion)
	assert.Same(t, reason, gotFailed.Reason)
}

func TestStatusKindStringIsStable(t *testing.T) {
	assert.Equal(t, "UpToDate", StatusUpToDate.String())
	assert.Equal(t, "Todo", StatusTodo.String())
	assert.Equal(t, "Failed", StatusFailed.String())
}
