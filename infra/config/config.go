package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"matchcore/infra/logging"
)

const EnvPrefix = "MATCHCORE"

type Config struct {
	Log      logging.Config `mapstructure:"log"`
	Engine   Engine         `mapstructure:"engine"`
	Verify   Verify         `mapstructure:"verify"`
	Storage  Storage        `mapstructure:"storage"`
	Kafka    Kafka          `mapstructure:"kafka"`
	Server   Server         `mapstructure:"server"`
	Deposits Deposits       `mapstructure:"deposits"`
	Relay    Relay          `mapstructure:"relay"`
}

type Engine struct {
	SnapshotEvery    uint64 `mapstructure:"snapshot_every"`
	StrictInvariants bool   `mapstructure:"strict_invariants"`
	TradeTTL         uint32 `mapstructure:"trade_ttl"`
	NotifyQueue      uint64 `mapstructure:"notify_queue"`
}

type Verify struct {
	Workers       int    `mapstructure:"workers"`
	MonitorPubkey string `mapstructure:"monitor_pubkey"`
}

type Storage struct {
	WALDir            string `mapstructure:"wal_dir"`
	WALSegmentBytes   int64  `mapstructure:"wal_segment_bytes"`
	SnapshotBackend   string `mapstructure:"snapshot_backend"`
	SnapshotDir       string `mapstructure:"snapshot_dir"`
	OutboxDir         string `mapstructure:"outbox_dir"`
	RemoteSnapshotURL string `mapstructure:"remote_snapshot_url"`
}

type Kafka struct {
	Brokers       []string `mapstructure:"brokers"`
	TxTopic       string   `mapstructure:"tx_topic"`
	Group         string   `mapstructure:"group"`
	EventsTopic   string   `mapstructure:"events_topic"`
	WithdrawTopic string   `mapstructure:"withdraw_topic"`
}

type Server struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Relay tunes the withdrawal broadcaster.
type Relay struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries uint32        `mapstructure:"max_retries"`
	PurgeAcked bool          `mapstructure:"purge_acked"`
}

type Deposits struct {
	// Watermarks seeds the last processed block per chain.
	Watermarks map[string]uint64 `mapstructure:"watermarks"`
}

// SetDefaults registers every key so that env overrides resolve even
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("engine.snapshot_every", 500)
	v.SetDefault("engine.strict_invariants", false)
	v.SetDefault("engine.trade_ttl", 1000)
	v.SetDefault("engine.notify_queue", 1024)

	v.SetDefault("verify.workers", 0)
	v.SetDefault("verify.monitor_pubkey", "")

	v.SetDefault("storage.wal_dir", "data/wal")
	v.SetDefault("storage.wal_segment_bytes", 64<<20)
	v.SetDefault("storage.snapshot_backend", "file")
	v.SetDefault("storage.snapshot_dir", "data/snapshots")
	v.SetDefault("storage.outbox_dir", "data/outbox")
	v.SetDefault("storage.remote_snapshot_url", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.tx_topic", "matchcore.txs")
	v.SetDefault("kafka.group", "matchcore")
	v.SetDefault("kafka.events_topic", "matchcore.events")
	v.SetDefault("kafka.withdraw_topic", "matchcore.withdrawals")

	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.metrics_addr", ":9100")

	v.SetDefault("deposits.watermarks", map[string]uint64{})

	v.SetDefault("relay.interval", "250ms")
	v.SetDefault("relay.max_retries", 0)
	v.SetDefault("relay.purge_acked", true)
}

// InitEnv makes MATCHCORE_ENGINE_SNAPSHOT_EVERY override engine.snapshot_every.
func InitEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Engine.SnapshotEvery == 0 {
		return errors.New("engine.snapshot_every must be positive")
	}
	if c.Engine.NotifyQueue == 0 || c.Engine.NotifyQueue&(c.Engine.NotifyQueue-1) != 0 {
		return errors.Newf("engine.notify_queue must be a power of two, got %d", c.Engine.NotifyQueue)
	}
	if c.Verify.Workers < 0 {
		return errors.New("verify.workers must not be negative")
	}
	if n := len(c.Verify.MonitorPubkey); n != 0 && n != 64 && n != 66 {
		return errors.Newf("verify.monitor_pubkey must be 32 or 33 hex bytes, got %d chars", n)
	}
	switch c.Storage.SnapshotBackend {
	case "file", "pebble":
	default:
		return errors.Newf("storage.snapshot_backend %q", c.Storage.SnapshotBackend)
	}
	if c.Storage.WALDir == "" || c.Storage.SnapshotDir == "" || c.Storage.OutboxDir == "" {
		return errors.New("storage directories must be set")
	}
	if c.Relay.Interval <= 0 {
		return errors.New("relay.interval must be positive")
	}
	for chain := range c.Deposits.Watermarks {
		if len(chain) != 3 {
			return errors.Newf("deposits.watermarks: chain %q is not three letters", chain)
		}
	}
	return nil
}
