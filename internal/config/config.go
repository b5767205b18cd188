package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const MemoryDSN = "memory:"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	NodeTypes    NodeTypesConfig    `mapstructure:"nodetypes"`
	Pruner       PrunerConfig       `mapstructure:"pruner"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Forwarding   ForwardingConfig   `mapstructure:"forwarding"`
	Trigger      TriggerConfig      `mapstructure:"trigger"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Replication  ReplicationConfig  `mapstructure:"replication"`
}

type ServerConfig struct {
	NodeID    string `mapstructure:"node_id"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// StoreConfig holds one dsn per store. "memory:" keeps the store in process;
// otherwise sqlite:///path or postgres://... as accepted by storage.Open.
type StoreConfig struct {
	Events        string `mapstructure:"events"`
	Subscriptions string `mapstructure:"subscriptions"`
	ReadModels    string `mapstructure:"read_models"`
}

type SubscriptionConfig struct {
	BootOnStart      bool          `mapstructure:"boot_on_start"`
	CatchUpInterval  time.Duration `mapstructure:"catch_up_interval"`
	ProjectionsGroup string        `mapstructure:"projections_group"`
}

type NodeTypesConfig struct {
	SchemaDir string `mapstructure:"schema_dir"`
	Strict    bool   `mapstructure:"strict"`
}

type PrunerConfig struct {
	// Interval between tombstoning passes. Zero disables background pruning.
	Interval         time.Duration `mapstructure:"interval"`
	DeleteFromEvents bool          `mapstructure:"delete_from_events"`
}

type IngestConfig struct {
	Kafka KafkaIngestConfig `mapstructure:"kafka"`
}

type KafkaIngestConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	Brokers         []string        `mapstructure:"brokers"`
	Topics          []string        `mapstructure:"topics"`
	GroupID         string          `mapstructure:"group_id"`
	ClientID        string          `mapstructure:"client_id"`
	WorkerCount     int             `mapstructure:"worker_count"`
	MaxPollRecords  int             `mapstructure:"max_poll_records"`
	QueueCapacity   int             `mapstructure:"queue_capacity"`
	CommitMode      string          `mapstructure:"commit_mode"`
	ConflictRetries int             `mapstructure:"conflict_retries"`
	SASL            KafkaSASLConfig `mapstructure:"sasl"`
	TLS             TLSConfig       `mapstructure:"tls"`
}

type KafkaSASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type ForwardingConfig struct {
	Kafka KafkaForwardingConfig `mapstructure:"kafka"`
}

type KafkaForwardingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	ClientID    string        `mapstructure:"client_id"`
	EventTypes  []string      `mapstructure:"event_types"`
	ProduceWait time.Duration `mapstructure:"produce_wait"`
}

type TriggerConfig struct {
	RabbitMQ RabbitMQTriggerConfig `mapstructure:"rabbitmq"`
}

type RabbitMQTriggerConfig struct {
	Enabled       bool      `mapstructure:"enabled"`
	URL           string    `mapstructure:"url"`
	Endpoints     []string  `mapstructure:"endpoints"`
	Exchange      string    `mapstructure:"exchange"`
	Queue         string    `mapstructure:"queue"`
	RoutingKeys   []string  `mapstructure:"routing_keys"`
	ConsumerTag   string    `mapstructure:"consumer_tag"`
	PrefetchCount int       `mapstructure:"prefetch_count"`
	Workers       int       `mapstructure:"workers"`
	DeliveryQueue int       `mapstructure:"delivery_queue"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type AdminConfig struct {
	Socket AdminSocketConfig `mapstructure:"socket"`
}

type AdminSocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
	SyncReadModels   bool   `mapstructure:"sync_read_models"`
}

type ReplicationConfig struct {
	Raft RaftConfig `mapstructure:"raft"`
}

type RaftConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	NodeID       uint64        `mapstructure:"node_id"`
	Address      string        `mapstructure:"address"`
	Peers        []RaftPeer    `mapstructure:"peers"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Bootstrap    bool          `mapstructure:"bootstrap"`
}

type RaftPeer struct {
	ID      uint64 `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("contentrepo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")
	v.SetDefault("store.events", MemoryDSN)
	v.SetDefault("store.subscriptions", MemoryDSN)
	v.SetDefault("store.read_models", MemoryDSN)
	v.SetDefault("subscription.boot_on_start", true)
	v.SetDefault("subscription.catch_up_interval", time.Second)
	v.SetDefault("subscription.projections_group", "projections")
	v.SetDefault("ingest.kafka.commit_mode", "after_handled")
	v.SetDefault("ingest.kafka.conflict_retries", 3)
	v.SetDefault("forwarding.kafka.produce_wait", 10*time.Second)
	v.SetDefault("trigger.rabbitmq.exchange", "contentrepo.catchup")
	v.SetDefault("trigger.rabbitmq.queue", "contentrepo.catchup")
	v.SetDefault("trigger.rabbitmq.prefetch_count", 1)
	v.SetDefault("trigger.rabbitmq.workers", 1)
	v.SetDefault("trigger.rabbitmq.delivery_queue", 16)
	v.SetDefault("admin.socket.network", "tcp")
	v.SetDefault("admin.socket.address", "127.0.0.1:7421")
	v.SetDefault("admin.socket.sync_read_models", true)
	v.SetDefault("replication.raft.tick_interval", 100*time.Millisecond)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Server.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("server.log_format must be text or json")
	}
	for key, dsn := range map[string]string{"store.events": c.Store.Events, "store.subscriptions": c.Store.Subscriptions, "store.read_models": c.Store.ReadModels} {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if c.Store.Events != MemoryDSN && !hasAnyPrefix(c.Store.Events, "sqlite:", "sqlite3:", "file:") {
		return fmt.Errorf("store.events must be %s or a sqlite dsn", MemoryDSN)
	}
	// Checkpoints and projected rows commit in one transaction, so they share one database.
	if strings.TrimSpace(c.Store.ReadModels) != strings.TrimSpace(c.Store.Subscriptions) {
		return fmt.Errorf("store.read_models must equal store.subscriptions")
	}
	// A checkpoint that outlives the process refers to sequence numbers of a log that must outlive it too.
	if c.Store.Subscriptions != MemoryDSN && c.Store.Events == MemoryDSN {
		return fmt.Errorf("store.subscriptions=%s requires a durable store.events", c.Store.Subscriptions)
	}
	if c.Subscription.CatchUpInterval < 0 {
		return fmt.Errorf("subscription.catch_up_interval must not be negative")
	}
	if c.Pruner.Interval < 0 {
		return fmt.Errorf("pruner.interval must not be negative")
	}
	if k := c.Ingest.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			return fmt.Errorf("ingest.kafka requires brokers, topics and group_id")
		}
		if k.CommitMode != "after_handled" {
			return fmt.Errorf("ingest.kafka.commit_mode must be after_handled")
		}
	}
	if f := c.Forwarding.Kafka; f.Enabled && (len(f.Brokers) == 0 || f.Topic == "") {
		return fmt.Errorf("forwarding.kafka requires brokers and topic")
	}
	if r := c.Trigger.RabbitMQ; r.Enabled && r.URL == "" && len(r.Endpoints) == 0 {
		return fmt.Errorf("trigger.rabbitmq requires url or endpoints")
	}
	if a := c.Admin.Socket; a.Enabled {
		switch a.Network {
		case "tcp":
			if a.Address == "" {
				return fmt.Errorf("admin.socket.address is required for tcp")
			}
		case "unix":
			if a.UnixSocketPath == "" {
				return fmt.Errorf("admin.socket.unix_socket_path is required for unix")
			}
		default:
			return fmt.Errorf("admin.socket.network must be tcp or unix")
		}
	}
	if r := c.Replication.Raft; r.Enabled {
		if r.NodeID == 0 || r.Address == "" {
			return fmt.Errorf("replication.raft requires node_id and address")
		}
		seen := map[uint64]bool{r.NodeID: true}
		for _, p := range r.Peers {
			if p.ID == 0 || p.Address == "" || seen[p.ID] {
				return fmt.Errorf("replication.raft.peers: invalid or duplicate peer %d", p.ID)
			}
			seen[p.ID] = true
		}
		// The raft log lives in memory, so the applied local log must not outlive the process either.
		if c.Store.Events != MemoryDSN {
			return fmt.Errorf("replication.raft requires store.events=%s", MemoryDSN)
		}
	}
	return nil
}

// RaftPeers returns every cluster member including this node.
func (r RaftConfig) RaftPeers() map[uint64]string {
	out := map[uint64]string{r.NodeID: r.Address}
	for _, p := range r.Peers {
		out[p.ID] = p.Address
	}
	return out
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(strings.TrimSpace(s), p) {
			return true
		}
	}
	return false
}
