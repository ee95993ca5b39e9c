package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Store        StoreConfig        `mapstructure:"store"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Fabric       FabricConfig       `mapstructure:"fabric"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Onboarding   OnboardingConfig   `mapstructure:"onboarding"`
	Mesh         MeshConfig         `mapstructure:"mesh"`
	ClusterMap   ClusterMapConfig   `mapstructure:"clustermap"`
	Events       EventsConfig       `mapstructure:"events"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys
}

// ServerConfig represents the controller HTTP server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // HTTP API port
}

// EtcdConfig represents etcd configuration
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// StoreConfig selects the metadata backend
type StoreConfig struct {
	Type     string        `mapstructure:"type"`      // etcd (default) or memory
	Prefix   string        `mapstructure:"prefix"`    // Key prefix for every record (default: /meshstor)
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // TTL of the cluster record cache
}

// QueueConfig represents message queue configuration
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // Queue type: nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`      // Queue server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication
	Stream   string `mapstructure:"stream"`   // JetStream stream / Redis stream prefix (default: "MESHSTOR")

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "meshstor-controller")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen
}

// RPCConfig configures the storage backend RPC client
type RPCConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`   // Per-call timeout
	PoolSize int           `mapstructure:"pool_size"` // Max cached backend connections
	Service  string        `mapstructure:"service"`   // gRPC service name methods are invoked on
}

// AgentConfig configures the node-local agent client
type AgentConfig struct {
	Port    int           `mapstructure:"port"`    // Agent control port on each node's mgmt address
	Timeout time.Duration `mapstructure:"timeout"` // Per-call timeout
}

// FabricConfig configures NVMe-oF exposure of onboarded devices
type FabricConfig struct {
	NQNPrefix string `mapstructure:"nqn_prefix"` // Prefix of node subsystem NQNs
	Transport string `mapstructure:"transport"`  // tcp or rdma
	Port      int    `mapstructure:"port"`       // Listener port
}

// DiscoveryConfig configures device discovery
type DiscoveryConfig struct {
	SettleDelay    time.Duration `mapstructure:"settle_delay"`     // Wait after attaching a controller
	SkipVendorIDs  []string      `mapstructure:"skip_vendor_ids"`  // PCIe vendor ids never attached
	UseBackendList bool          `mapstructure:"use_backend_list"` // Discover from attached controllers instead of the PCIe scan
}

// OnboardingConfig configures the per-device bdev chain pipeline
type OnboardingConfig struct {
	RollbackOnFailure bool `mapstructure:"rollback_on_failure"` // Delete bdevs created by a failed pass
	PBAPageSize       int  `mapstructure:"pba_page_size"`       // alceml physical page size in bytes
}

// MeshConfig configures the remote device mesh
type MeshConfig struct {
	ExistsIsSuccess bool `mapstructure:"exists_is_success"` // Treat an existing remote controller as connected
}

// ClusterMapConfig configures placement map computation
type ClusterMapConfig struct {
	Partitions int  `mapstructure:"partitions"` // Partition slots in each map
	Snapshots  bool `mapstructure:"snapshots"`  // Persist the last pushed map per target
}

// EventsConfig configures the event notifier
type EventsConfig struct {
	SubjectPrefix string `mapstructure:"subject_prefix"` // Prefix of event subjects
	Broadcast     bool   `mapstructure:"broadcast"`      // Also push status events to online backends
	ListenReports bool   `mapstructure:"listen_reports"` // Consume device health reports from agents
}

// OrchestratorConfig configures concurrency of lifecycle operations
type OrchestratorConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"` // Fan-out limit across devices and targets
	LockType    string        `mapstructure:"lock_type"`    // local or etcd
	LockTTL     time.Duration `mapstructure:"lock_ttl"`     // Lease TTL of etcd node locks
	LockTimeout time.Duration `mapstructure:"lock_timeout"` // Bound on acquiring a peer node's lock
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if c.Store.Type == "etcd" || c.Orchestrator.LockType == "etcd" {
		if err := c.Etcd.Validate(); err != nil {
			return fmt.Errorf("etcd config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc config: %w", err)
	}

	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}

	if err := c.Fabric.Validate(); err != nil {
		return fmt.Errorf("fabric config: %w", err)
	}

	if c.ClusterMap.Partitions <= 0 {
		return fmt.Errorf("clustermap config: partitions must be positive")
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates store configuration
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case "etcd", "memory":
	default:
		return fmt.Errorf("store.type must be 'etcd' or 'memory'")
	}

	if c.Prefix == "" || c.Prefix[0] != '/' {
		return fmt.Errorf("store.prefix must be an absolute key path")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}

// Validate validates backend RPC configuration
func (c *RPCConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be positive")
	}

	if c.PoolSize <= 0 {
		return fmt.Errorf("rpc.pool_size must be positive")
	}

	if c.Service == "" {
		return fmt.Errorf("rpc.service is required")
	}

	return nil
}

// Validate validates agent configuration
func (c *AgentConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid agent.port: %d", c.Port)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}

	return nil
}

// Validate validates fabric configuration
func (c *FabricConfig) Validate() error {
	if c.NQNPrefix == "" {
		return fmt.Errorf("fabric.nqn_prefix is required")
	}

	if c.Transport != "tcp" && c.Transport != "rdma" {
		return fmt.Errorf("fabric.transport must be 'tcp' or 'rdma'")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid fabric.port: %d", c.Port)
	}

	return nil
}

// Validate validates orchestrator configuration
func (c *OrchestratorConfig) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("orchestrator.max_parallel must be at least 1")
	}

	if c.LockType != "local" && c.LockType != "etcd" {
		return fmt.Errorf("orchestrator.lock_type must be 'local' or 'etcd'")
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("orchestrator.lock_timeout must be positive")
	}

	return nil
}
