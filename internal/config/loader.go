package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/meshstor/meshstor/internal/utils"
	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshstor")
	}

	setDefaults(v)

	// MESHSTOR_ETCD_ENDPOINTS overrides etcd.endpoints, and so on
	v.SetEnvPrefix("MESHSTOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults mirrors DefaultConfig so that a partial file only overrides what it names
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.http_port", d.Server.HTTPPort)

	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.Etcd.DialTimeout)

	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.prefix", d.Store.Prefix)
	v.SetDefault("store.cache_ttl", d.Store.CacheTTL)

	v.SetDefault("queue.type", d.Queue.Type)
	v.SetDefault("queue.url", d.Queue.URL)
	v.SetDefault("queue.stream", d.Queue.Stream)
	v.SetDefault("queue.redis_group", d.Queue.RedisGroup)
	v.SetDefault("queue.kafka_group_id", d.Queue.KafkaGroupID)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)

	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("rpc.pool_size", d.RPC.PoolSize)
	v.SetDefault("rpc.service", d.RPC.Service)

	v.SetDefault("agent.port", d.Agent.Port)
	v.SetDefault("agent.timeout", d.Agent.Timeout)

	v.SetDefault("fabric.nqn_prefix", d.Fabric.NQNPrefix)
	v.SetDefault("fabric.transport", d.Fabric.Transport)
	v.SetDefault("fabric.port", d.Fabric.Port)

	v.SetDefault("discovery.settle_delay", d.Discovery.SettleDelay)
	v.SetDefault("discovery.use_backend_list", d.Discovery.UseBackendList)

	v.SetDefault("onboarding.rollback_on_failure", d.Onboarding.RollbackOnFailure)
	v.SetDefault("onboarding.pba_page_size", d.Onboarding.PBAPageSize)

	v.SetDefault("mesh.exists_is_success", d.Mesh.ExistsIsSuccess)

	v.SetDefault("clustermap.partitions", d.ClusterMap.Partitions)
	v.SetDefault("clustermap.snapshots", d.ClusterMap.Snapshots)

	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)
	v.SetDefault("events.broadcast", d.Events.Broadcast)
	v.SetDefault("events.listen_reports", d.Events.ListenReports)

	v.SetDefault("orchestrator.max_parallel", d.Orchestrator.MaxParallel)
	v.SetDefault("orchestrator.lock_type", d.Orchestrator.LockType)
	v.SetDefault("orchestrator.lock_ttl", d.Orchestrator.LockTTL)
	v.SetDefault("orchestrator.lock_timeout", d.Orchestrator.LockTimeout)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 5580,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Type:     string(utils.StoreTypeEtcd),
			Prefix:   "/meshstor",
			CacheTTL: 30 * time.Second,
		},
		Queue: QueueConfig{
			Type:         string(utils.QueueTypeNATS),
			URL:          "nats://localhost:4222",
			Stream:       "MESHSTOR",
			RedisGroup:   "meshstor-controller",
			KafkaGroupID: "meshstor-controller",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		RPC: RPCConfig{
			Timeout:  utils.RPCRequestTimeout,
			PoolSize: utils.RPCPoolSize,
			Service:  "meshstor.backend.v1.Backend",
		},
		Agent: AgentConfig{
			Port:    utils.AgentDefaultPort,
			Timeout: utils.AgentRequestTimeout,
		},
		Fabric: FabricConfig{
			NQNPrefix: "nqn.2023-02.io.meshstor",
			Transport: "tcp",
			Port:      utils.DefaultFabricPort,
		},
		Discovery: DiscoveryConfig{
			SettleDelay: utils.DefaultSettleDelay,
		},
		Onboarding: OnboardingConfig{
			RollbackOnFailure: false,
			PBAPageSize:       2 * 1024 * 1024,
		},
		Mesh: MeshConfig{
			ExistsIsSuccess: true,
		},
		ClusterMap: ClusterMapConfig{
			Partitions: utils.DefaultMapPartitions,
			Snapshots:  true,
		},
		Events: EventsConfig{
			SubjectPrefix: utils.DefaultEventSubjectPrefix,
			Broadcast:     true,
			ListenReports: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel: utils.DefaultMaxParallel,
			LockType:    "local",
			LockTTL:     utils.DefaultLockTTL,
			LockTimeout: utils.DefaultLockTimeout,
		},
	}
}
