package redis

// Redis key naming conventions for opbus data.
// All keys are prefixed with "opbus:" to avoid collisions.

const keyPrefix = "opbus:"

// metaKey returns the Hash key for operation metadata: opbus:op:{id}
func metaKey(opID string) string { return keyPrefix + "op:" + opID }

// seqKey returns the atomic sequence counter key: opbus:seq:{id}
func seqKey(opID string) string { return keyPrefix + "seq:" + opID }

// logKey returns the Sorted Set key for the event log: opbus:log:{id}
// Members are JSON-encoded events scored by sequence number.
func logKey(opID string) string { return keyPrefix + "log:" + opID }

// metaKeyPattern matches all operation metadata keys, for the reap sweep.
const metaKeyPattern = keyPrefix + "op:*"
