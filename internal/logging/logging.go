// Package logging builds the go-kit logger every component threads through
// its constructor, the way Rain168-server's paxos package and its cmd
// entrypoint do.
package logging

import (
	"os"

	"github.com/go-kit/kit/log"
)

// New returns a logfmt logger stamped with a timestamp and the node's role
// and id, so every line from every role can be told apart in aggregated
// logs.
func New(role string, nodeID int) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "role", role, "node_id", nodeID)
	return logger
}
