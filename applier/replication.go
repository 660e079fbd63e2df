package applier

import "go.uber.org/zap"

// Replicator is the out-of-scope "underlying storage/database runtime"
// collaborator (§1, §6): the applier only needs to hand it an ordered list
// of peer URIs to replicate with and log the outcome, exactly the shape
// described in 4.E step 2 ("reconfigure the underlying database").
type Replicator interface {
	SetReplicationConfig(replicasetUUID string, uris []string) error
}

// LoggingReplicator is the default Replicator: it has no real database to
// drive, so it only records the call. Tests and the daemon entrypoint can
// substitute a real implementation without this package needing to know
// about it.
type LoggingReplicator struct {
	logger *zap.Logger
}

// NewLoggingReplicator builds the default stand-in Replicator.
func NewLoggingReplicator(logger *zap.Logger) *LoggingReplicator {
	return &LoggingReplicator{logger: logger}
}

// SetReplicationConfig logs the replication set that would have been
// applied and always succeeds.
func (r *LoggingReplicator) SetReplicationConfig(replicasetUUID string, uris []string) error {
	r.logger.Info("replication configuration applied",
		zap.String("replicaset", replicasetUUID),
		zap.Strings("uris", uris),
	)
	return nil
}
