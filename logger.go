package raft

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger is the logging interface this package writes to.
// The default is a named go-log logger; hosts embedding their own
// logging stack replace it with SetLogger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var raftLogger Logger = logging.Logger("raft")

// SetLogger replaces the package-level logger.
func SetLogger(l Logger) {
	raftLogger = l
}
