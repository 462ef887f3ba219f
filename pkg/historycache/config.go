package historycache

import (
	"bytes"
	"flag"
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PoolLimits mirrors one POOL_LIMITS entry from the original CACHE_CONFIG.
// The pools here are backed by the Go heap via sync.Pool rather than a
// fixed-size arena: only Maximum is enforced (0 == unbounded); Initial
// and Extend are carried in the configuration but no pool reads them.
type PoolLimits struct {
	Initial int `yaml:"initial,omitempty"`
	Extend  int `yaml:"extend,omitempty"`
	Maximum int `yaml:"maximum,omitempty"`
}

// Exhausted reports whether a pool with live objects checked out has
// reached the configured Maximum, so that one more would exceed it.
func (p PoolLimits) Exhausted(live int) bool {
	return p.Maximum > 0 && live >= p.Maximum
}

// PoolConfig carries the ten per-class pool limits named in cache.h's
// CACHE_CONFIG: caches, instances, changes (samples), cache-change
// references, cache references, wait contexts, pending-transfer
// contexts, transfer lists, time-based filters, and filter instance
// nodes.
type PoolConfig struct {
	Cache   PoolLimits `yaml:"cache,omitempty"`
	Instance PoolLimits `yaml:"instance,omitempty"`
	Change  PoolLimits `yaml:"change,omitempty"`
	CCRefs  PoolLimits `yaml:"ccrefs,omitempty"`
	CRefs   PoolLimits `yaml:"crefs,omitempty"`
	CWaits  PoolLimits `yaml:"cwaits,omitempty"`
	CXfers  PoolLimits `yaml:"cxfers,omitempty"`
	XFLists PoolLimits `yaml:"xflists,omitempty"`
	Filters PoolLimits `yaml:"filters,omitempty"`
	FInsts  PoolLimits `yaml:"finsts,omitempty"`
}

// QoSConfig holds the resource-limit and QoS-timer settings a Cache is
// constructed with, via CacheOptions.QoS. Config.QoS is checked by
// Validate but is not applied to caches by Init or NewCache.
type QoSConfig struct {
	MaxSamples       int           `yaml:"max_samples,omitempty"`
	MaxInstances     int           `yaml:"max_instances,omitempty"`
	MaxSamplesPerKey int           `yaml:"max_samples_per_instance,omitempty"`
	DeadlinePeriod   time.Duration `yaml:"deadline_period,omitempty"`
	LifespanPeriod   time.Duration `yaml:"lifespan_period,omitempty"`
	AutopurgeNoWriterPeriod time.Duration `yaml:"autopurge_no_writer_period,omitempty"`
	AutopurgeDisposedPeriod time.Duration `yaml:"autopurge_disposed_period,omitempty"`
	// MinRescheduleDelay enforces the spec.md §4.9 storm guard: QoS
	// timer scans never reschedule sooner than this.
	MinRescheduleDelay time.Duration `yaml:"min_reschedule_delay,omitempty"`
	// MaxBlockingTime mirrors RELIABILITY's reliability_max_blocking_time:
	// how long a writer cache's KEEP_ALL eviction blocks on the oldest
	// unacked sample before giving up (0 means block forever).
	MaxBlockingTime time.Duration `yaml:"max_blocking_time,omitempty"`
}

// Config is the root, YAML-loadable configuration for the history cache
// subsystem, in the teacher's cmd/tempo/app.Config idiom (struct +
// yaml tags + RegisterFlags + Validate). LoadConfigYAML decodes YAML
// bytes the caller supplies; file discovery is not provided.
type Config struct {
	Pools PoolConfig `yaml:"pools,omitempty"`
	QoS   QoSConfig  `yaml:"qos,omitempty"`

	// TransferWorkers bounds the goroutine pool draining the
	// process-global ready-transfer list (spec.md §4.6).
	TransferWorkers int `yaml:"transfer_workers,omitempty"`
	// TransferQueueDepth bounds the number of pending transfers
	// in flight at once, enforced via a semaphore.
	TransferQueueDepth int `yaml:"transfer_queue_depth,omitempty"`
}

// RegisterFlags installs command-line flags for the subset of Config
// that operators commonly tune, mirroring the teacher's
// cmd/tempo/app.Config.RegisterFlags pattern.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.QoS.MaxSamples, "historycache.max-samples", 0, "Maximum total samples per cache (0 = unbounded).")
	f.IntVar(&c.QoS.MaxInstances, "historycache.max-instances", 0, "Maximum instances per cache (0 = unbounded).")
	f.IntVar(&c.QoS.MaxSamplesPerKey, "historycache.max-samples-per-instance", 0, "Maximum samples retained per instance (0 = unbounded).")
	f.DurationVar(&c.QoS.DeadlinePeriod, "historycache.deadline-period", 0, "Deadline QoS period (0 = disabled).")
	f.DurationVar(&c.QoS.LifespanPeriod, "historycache.lifespan-period", 0, "Lifespan QoS period (0 = disabled).")
	f.DurationVar(&c.QoS.MinRescheduleDelay, "historycache.min-reschedule-delay", 400*time.Millisecond, "Minimum delay between QoS timer rescans.")
	f.DurationVar(&c.QoS.MaxBlockingTime, "historycache.max-blocking-time", 0, "How long a writer cache's KEEP_ALL eviction blocks waiting for acks (0 = forever).")
	f.IntVar(&c.TransferWorkers, "historycache.transfer-workers", 4, "Goroutines draining the pending-transfer ready list.")
	f.IntVar(&c.TransferQueueDepth, "historycache.transfer-queue-depth", 10000, "Maximum in-flight pending transfers.")
}

// Validate checks Config for internally-consistent values.
func (c *Config) Validate() error {
	if c.QoS.MaxSamplesPerKey > 0 && c.QoS.MaxSamples > 0 && c.QoS.MaxSamplesPerKey > c.QoS.MaxSamples {
		return errors.New("historycache: max-samples-per-instance cannot exceed max-samples")
	}
	if c.TransferWorkers < 0 {
		return errors.New("historycache: transfer-workers cannot be negative")
	}
	if c.TransferQueueDepth < 0 {
		return errors.New("historycache: transfer-queue-depth cannot be negative")
	}
	return nil
}

// LoadConfigYAML decodes a Config from raw YAML, in the teacher's
// yaml.UnmarshalStrict idiom (modules/overrides.Config): unknown keys
// are rejected rather than silently ignored, since a typo'd pool or
// QoS field would otherwise fall back to an unbounded default.
func LoadConfigYAML(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "historycache: decoding config")
	}
	return cfg, nil
}

// DefaultConfig returns a Config with the teacher's usual sane-default
// posture: everything unbounded except the transfer dispatcher, which
// always has a floor of concurrency and queue depth.
func DefaultConfig() *Config {
	return &Config{
		QoS: QoSConfig{
			MinRescheduleDelay: 400 * time.Millisecond,
		},
		TransferWorkers:    4,
		TransferQueueDepth: 10000,
	}
}
