package amcp

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config enumerates the configuration surface of spec §6: every option a
// host can set and the component it affects. Durations are parsed from
// "5s"/"30m"-style strings by both the YAML and TOML feeders below.
type Config struct {
	// PublishTimeout bounds how long a reliable publish waits on a full
	// queue before BackpressureError (broker).
	PublishTimeout time.Duration `yaml:"publishTimeout" toml:"publish_timeout"`
	// QueueBound is the capacity of each subscription's queue (broker);
	// it is not a total shared by all subscriptions to a topic.
	QueueBound int `yaml:"queueBound" toml:"queue_bound"`
	// CallbackTimeout bounds user-callback runtime before it is treated
	// as failed (agentctx).
	CallbackTimeout time.Duration `yaml:"callbackTimeout" toml:"callback_timeout"`
	// MigrationTimeout is the source-side ACK wait (mobility).
	MigrationTimeout time.Duration `yaml:"migrationTimeout" toml:"migration_timeout"`
	// OrchestrationDeadlineDefault is the default session wall-clock
	// deadline (orchestrator).
	OrchestrationDeadlineDefault time.Duration `yaml:"orchestrationDeadlineDefault" toml:"orchestration_deadline_default"`
	// HeartbeatInterval is how often the capability registry's health
	// monitor sweeps records.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" toml:"heartbeat_interval"`
	// HeartbeatTimeout is the staleness window after which a capability
	// record transitions HEALTHY->SUSPECT, then SUSPECT->DEAD after a
	// second interval of the same length.
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout" toml:"heartbeat_timeout"`
	// RetryBaseDelay, RetryFactor, RetryCap and RetryMaxAttempts
	// parameterize the broker's reliable-delivery backoff policy.
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay" toml:"retry_base_delay"`
	RetryFactor      float64       `yaml:"retryFactor" toml:"retry_factor"`
	RetryCap         time.Duration `yaml:"retryCap" toml:"retry_cap"`
	RetryMaxAttempts int           `yaml:"retryMaxAttempts" toml:"retry_max_attempts"`
	// TopicPrefix is prepended by cross-process transports to all
	// topics; the in-process reference broker ignores it.
	TopicPrefix string `yaml:"topicPrefix" toml:"topic_prefix"`
	// DefaultDelivery is the baseline DeliveryOptions applied when an
	// event omits its own.
	DefaultDelivery DeliveryOptions `yaml:"-" toml:"-"`
	// BrokerDrainTimeout bounds how long Stop waits for in-flight
	// deliveries before cancelling.
	BrokerDrainTimeout time.Duration `yaml:"brokerDrainTimeout" toml:"broker_drain_timeout"`
	// WorkerPoolSize bounds the agent context's context-wide worker pool;
	// distinct agents run in parallel up to this many concurrent handlers
	// while each agent's own lane stays serialized (agentctx).
	WorkerPoolSize int `yaml:"workerPoolSize" toml:"worker_pool_size"`
}

// DefaultConfig returns the defaults enumerated in spec §5/§6.
func DefaultConfig() Config {
	return Config{
		PublishTimeout:               5 * time.Second,
		QueueBound:                   10_000,
		CallbackTimeout:              30 * time.Second,
		MigrationTimeout:             15 * time.Second,
		OrchestrationDeadlineDefault: 60 * time.Second,
		HeartbeatInterval:            30 * time.Second,
		HeartbeatTimeout:             90 * time.Second,
		RetryBaseDelay:               100 * time.Millisecond,
		RetryFactor:                  2,
		RetryCap:                     30 * time.Second,
		RetryMaxAttempts:             5,
		DefaultDelivery:              DefaultDeliveryOptions(),
		BrokerDrainTimeout:           10 * time.Second,
		WorkerPoolSize:               32,
	}
}

// flexDuration decodes a config duration field from a Go duration
// string ("5s", "30m") as both feeders write them; it implements
// yaml.Unmarshaler directly and encoding.TextUnmarshaler for
// BurntSushi/toml, which decodes scalars into TextUnmarshaler when one
// is available.
type flexDuration time.Duration

func (d *flexDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = flexDuration(parsed)
	return nil
}

func (d *flexDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = flexDuration(parsed)
	return nil
}

// configFile mirrors Config for decoding: every time.Duration field is
// replaced with flexDuration so "5s"-style strings parse correctly
// under both yaml.v3 and BurntSushi/toml. It is seeded from the
// in-progress Config before decoding so a file that omits a field
// leaves the existing default untouched.
type configFile struct {
	PublishTimeout               flexDuration `yaml:"publishTimeout" toml:"publish_timeout"`
	QueueBound                   int          `yaml:"queueBound" toml:"queue_bound"`
	CallbackTimeout              flexDuration `yaml:"callbackTimeout" toml:"callback_timeout"`
	MigrationTimeout             flexDuration `yaml:"migrationTimeout" toml:"migration_timeout"`
	OrchestrationDeadlineDefault flexDuration `yaml:"orchestrationDeadlineDefault" toml:"orchestration_deadline_default"`
	HeartbeatInterval            flexDuration `yaml:"heartbeatInterval" toml:"heartbeat_interval"`
	HeartbeatTimeout             flexDuration `yaml:"heartbeatTimeout" toml:"heartbeat_timeout"`
	RetryBaseDelay               flexDuration `yaml:"retryBaseDelay" toml:"retry_base_delay"`
	RetryFactor                  float64      `yaml:"retryFactor" toml:"retry_factor"`
	RetryCap                     flexDuration `yaml:"retryCap" toml:"retry_cap"`
	RetryMaxAttempts             int          `yaml:"retryMaxAttempts" toml:"retry_max_attempts"`
	TopicPrefix                  string       `yaml:"topicPrefix" toml:"topic_prefix"`
	BrokerDrainTimeout           flexDuration `yaml:"brokerDrainTimeout" toml:"broker_drain_timeout"`
	WorkerPoolSize               int          `yaml:"workerPoolSize" toml:"worker_pool_size"`
}

func (c Config) toFile() configFile {
	return configFile{
		PublishTimeout:               flexDuration(c.PublishTimeout),
		QueueBound:                   c.QueueBound,
		CallbackTimeout:              flexDuration(c.CallbackTimeout),
		MigrationTimeout:             flexDuration(c.MigrationTimeout),
		OrchestrationDeadlineDefault: flexDuration(c.OrchestrationDeadlineDefault),
		HeartbeatInterval:            flexDuration(c.HeartbeatInterval),
		HeartbeatTimeout:             flexDuration(c.HeartbeatTimeout),
		RetryBaseDelay:               flexDuration(c.RetryBaseDelay),
		RetryFactor:                  c.RetryFactor,
		RetryCap:                     flexDuration(c.RetryCap),
		RetryMaxAttempts:             c.RetryMaxAttempts,
		TopicPrefix:                  c.TopicPrefix,
		BrokerDrainTimeout:           flexDuration(c.BrokerDrainTimeout),
		WorkerPoolSize:               c.WorkerPoolSize,
	}
}

func (c *Config) fromFile(f configFile) {
	c.PublishTimeout = time.Duration(f.PublishTimeout)
	c.QueueBound = f.QueueBound
	c.CallbackTimeout = time.Duration(f.CallbackTimeout)
	c.MigrationTimeout = time.Duration(f.MigrationTimeout)
	c.OrchestrationDeadlineDefault = time.Duration(f.OrchestrationDeadlineDefault)
	c.HeartbeatInterval = time.Duration(f.HeartbeatInterval)
	c.HeartbeatTimeout = time.Duration(f.HeartbeatTimeout)
	c.RetryBaseDelay = time.Duration(f.RetryBaseDelay)
	c.RetryFactor = f.RetryFactor
	c.RetryCap = time.Duration(f.RetryCap)
	c.RetryMaxAttempts = f.RetryMaxAttempts
	c.TopicPrefix = f.TopicPrefix
	c.BrokerDrainTimeout = time.Duration(f.BrokerDrainTimeout)
	c.WorkerPoolSize = f.WorkerPoolSize
}

// LoadConfig reads a Config from a YAML or TOML file (selected by
// extension), overlaying it on DefaultConfig so a file only needs to
// mention the options it overrides. Grounded on the teacher's
// feeders.YamlFeeder/TomlFeeder pattern, narrowed to the two formats
// AMCP needs instead of the teacher's full tenant-aware feeder chain.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewError(KindValidationError, "reading config file: "+err.Error(), err)
	}

	file := cfg.toFile()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return cfg, NewError(KindValidationError, "parsing yaml config: "+err.Error(), err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return cfg, NewError(KindValidationError, "parsing toml config: "+err.Error(), err)
		}
	default:
		return cfg, NewError(KindValidationError, "unsupported config format: "+ext, nil)
	}

	cfg.fromFile(file)
	return cfg, nil
}
