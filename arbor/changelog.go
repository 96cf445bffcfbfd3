package arbor

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

type ChangeLogState int

const (
	ChangeLogOpen ChangeLogState = iota
	ChangeLogExecuting
	ChangeLogPersisted
	ChangeLogFailed
)

func (self ChangeLogState) String() string {
	switch self {
	case ChangeLogOpen:
		return "open"
	case ChangeLogExecuting:
		return "executing"
	case ChangeLogPersisted:
		return "persisted"
	case ChangeLogFailed:
		return "failed"
	default:
		return fmt.Sprintf("changeLogState(%d)", int(self))
	}
}

// ChangeLog is one ordered unit of client intended change. The
// operations are fixed at construction. A log is single use: it can be
// executed once and ends persisted or failed. A failed log is retried
// by constructing a new one.
type ChangeLog struct {
	operations []Operation

	stateLock sync.Mutex
	state     ChangeLogState
}

func NewChangeLog(operations ...Operation) *ChangeLog {
	return &ChangeLog{
		operations: slices.Clone(operations),
		state:      ChangeLogOpen,
	}
}

func (self *ChangeLog) Operations() []Operation {
	return slices.Clone(self.operations)
}

func (self *ChangeLog) State() ChangeLogState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ChangeLog) begin() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != ChangeLogOpen {
		return fmt.Errorf("change log is %s, a log is single use", self.state)
	}
	self.state = ChangeLogExecuting
	return nil
}

func (self *ChangeLog) persisted() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = ChangeLogPersisted
}

func (self *ChangeLog) failed() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// persisted is terminal
	if self.state != ChangeLogPersisted {
		self.state = ChangeLogFailed
	}
}
