package arbor

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChangeLogStateMachine(t *testing.T) {
	changeLog := NewChangeLog(
		&Checkout{NodeId: NewId()},
	)
	assert.Equal(t, ChangeLogOpen, changeLog.State())

	err := changeLog.begin()
	assert.Equal(t, err, nil)
	assert.Equal(t, ChangeLogExecuting, changeLog.State())

	// executing is not reenterable
	err = changeLog.begin()
	assert.NotEqual(t, err, nil)

	changeLog.persisted()
	assert.Equal(t, ChangeLogPersisted, changeLog.State())

	// persisted is terminal
	changeLog.failed()
	assert.Equal(t, ChangeLogPersisted, changeLog.State())

	err = changeLog.begin()
	assert.NotEqual(t, err, nil)
}

func TestChangeLogFailed(t *testing.T) {
	changeLog := NewChangeLog()

	err := changeLog.begin()
	assert.Equal(t, err, nil)
	changeLog.failed()
	assert.Equal(t, ChangeLogFailed, changeLog.State())

	// a failed log cannot be rerun, the caller constructs a new one
	err = changeLog.begin()
	assert.NotEqual(t, err, nil)
}

func TestChangeLogOperationsAreFixed(t *testing.T) {
	ops := []Operation{
		&Checkout{NodeId: NewId()},
		&Checkin{NodeId: NewId()},
	}
	changeLog := NewChangeLog(ops...)

	// mutating the source slice or the returned slice does not change
	// the log
	ops[0] = nil
	got := changeLog.Operations()
	assert.Equal(t, 2, len(got))
	assert.NotEqual(t, got[0], nil)

	got[1] = nil
	assert.NotEqual(t, changeLog.Operations()[1], nil)
}
