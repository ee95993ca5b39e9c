package utils

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

// HTTP Handler Timeouts
const (
	// DefaultRequestTimeout bounds a single operator request. Node add and
	// restart drive many backend RPCs, so this is generous.
	DefaultRequestTimeout = 10 * time.Minute

	// ListTimeout is the timeout for read-only list operations
	ListTimeout = 10 * time.Second
)

// Backend RPC Timeouts
const (
	// RPCRequestTimeout is the default timeout for a single backend RPC
	RPCRequestTimeout = 30 * time.Second

	// RPCPoolSize is the default number of cached backend connections
	RPCPoolSize = 256

	// RPCHealthCheckInterval is how often pooled connections are checked
	RPCHealthCheckInterval = 30 * time.Second

	// RPCDefaultPort is the backend RPC port used when a node omits it
	RPCDefaultPort = 8080
)

// Agent Timeouts
const (
	// AgentRequestTimeout is the default timeout for node agent calls
	AgentRequestTimeout = 60 * time.Second

	// AgentDefaultPort is the port the node-local agent listens on
	AgentDefaultPort = 5000
)

// =============================================================================
// Orchestration Constants
// =============================================================================

const (
	// DefaultSettleDelay is the wait after attaching a controller before its
	// namespaces are queried
	DefaultSettleDelay = 2 * time.Second

	// DefaultMaxParallel caps fan-out across devices and target nodes
	DefaultMaxParallel = 16

	// DefaultLockTTL is the lease TTL backing a distributed node lock
	DefaultLockTTL = 30 * time.Second

	// DefaultLockTimeout bounds acquisition of a peer node's lock
	DefaultLockTimeout = 15 * time.Second

	// DefaultMapPartitions is the number of partition slots in a cluster map
	DefaultMapPartitions = 1024

	// DefaultMinOnlineNodes is the HA threshold used when a cluster omits it
	DefaultMinOnlineNodes = 3

	// DefaultFabricPort is the NVMe-oF listener port
	DefaultFabricPort = 4420

	// DefaultEventSubjectPrefix prefixes every event subject
	DefaultEventSubjectPrefix = "meshstor.events"
)

// =============================================================================
// Queue Type Constants
// =============================================================================
// QueueType represents the type of message queue
type QueueType string

const (
	// QueueTypeNATS represents NATS JetStream queue (default)
	QueueTypeNATS QueueType = "nats"

	// QueueTypeRedis represents Redis Streams queue
	QueueTypeRedis QueueType = "redis"

	// QueueTypeKafka represents Apache Kafka queue
	QueueTypeKafka QueueType = "kafka"

	// QueueTypeMemory represents in-memory queue (for testing)
	QueueTypeMemory QueueType = "memory"
)

// =============================================================================
// Store Type Constants
// =============================================================================

// StoreType selects the metadata KV backend
type StoreType string

const (
	// StoreTypeEtcd keeps metadata in etcd (default)
	StoreTypeEtcd StoreType = "etcd"

	// StoreTypeMemory keeps metadata in an in-process go-memdb (single controller, tests)
	StoreTypeMemory StoreType = "memory"
)
