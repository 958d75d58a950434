package cbdr

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-cbdr/internal/constants"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

// Config holds the ring parameters a device is opened with.
type Config struct {
	// Depth is the number of descriptors. One is always held back, so at
	// most Depth-1 commands can be outstanding.
	Depth int

	// Timeout is the number of consumer index polls before a command is
	// reported as timed out.
	Timeout int

	// PollInterval is slept after each unsuccessful poll. Zero busy-polls.
	PollInterval time.Duration

	// PoolDepth is the number of idle payload buffers kept per size class.
	PoolDepth int

	Layout Layout
	Format Format
}

// DefaultConfig returns the defaults: 64 descriptors, 1000 polls of 2ms.
func DefaultConfig() Config {
	return Config{
		Depth:        constants.DefaultRingDepth,
		Timeout:      constants.DefaultTimeout,
		PollInterval: constants.DefaultPollInterval,
		PoolDepth:    constants.DefaultPoolDepth,
		Layout:       DefaultLayout,
		Format:       DefaultFormat,
	}
}

// Validate checks the config. Errors carry ErrCodeInvalidArgument.
func (c Config) Validate() error {
	if c.PoolDepth < 0 {
		return NewError("CONFIG", ErrCodeInvalidArgument, fmt.Sprintf("negative pool depth %d", c.PoolDepth))
	}
	if err := c.ringConfig(0, nil).Validate(); err != nil {
		return WrapError("CONFIG", -1, err)
	}
	return nil
}

func (c Config) ringConfig(id int, logger *logging.Logger) ring.Config {
	return ring.Config{
		ID:           id,
		Capacity:     c.Depth,
		Timeout:      c.Timeout,
		PollInterval: c.PollInterval,
		Layout:       c.Layout,
		Format:       c.Format,
		Logger:       logger,
	}
}

// fileConfig is the YAML shape of Config. Absent keys keep their defaults.
type fileConfig struct {
	Depth          *int `yaml:"depth"`
	Timeout        *int `yaml:"timeout"`
	PollIntervalUs *int `yaml:"poll_interval_us"`
	PoolDepth      *int `yaml:"pool_depth"`

	Registers struct {
		Mode       *uint32 `yaml:"mode"`
		Status     *uint32 `yaml:"status"`
		BaseLo     *uint32 `yaml:"base_lo"`
		BaseHi     *uint32 `yaml:"base_hi"`
		Producer   *uint32 `yaml:"producer"`
		Consumer   *uint32 `yaml:"consumer"`
		Length     *uint32 `yaml:"length"`
		ModeEnable *uint32 `yaml:"mode_enable"`
		IndexMask  *uint32 `yaml:"index_mask"`
	} `yaml:"registers"`

	Format struct {
		ReqLenBits  *uint `yaml:"req_len_bits"`
		RespLenBits *uint `yaml:"resp_len_bits"`
	} `yaml:"format"`
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML config bytes on top of DefaultConfig.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, NewError("CONFIG", ErrCodeInvalidArgument, fmt.Sprintf("failed to parse config: %v", err))
	}

	setInt(&cfg.Depth, fc.Depth)
	setInt(&cfg.Timeout, fc.Timeout)
	setInt(&cfg.PoolDepth, fc.PoolDepth)
	if fc.PollIntervalUs != nil {
		cfg.PollInterval = time.Duration(*fc.PollIntervalUs) * time.Microsecond
	}

	r := fc.Registers
	setU32(&cfg.Layout.Mode, r.Mode)
	setU32(&cfg.Layout.Status, r.Status)
	setU32(&cfg.Layout.BaseLo, r.BaseLo)
	setU32(&cfg.Layout.BaseHi, r.BaseHi)
	setU32(&cfg.Layout.Producer, r.Producer)
	setU32(&cfg.Layout.Consumer, r.Consumer)
	setU32(&cfg.Layout.Length, r.Length)
	setU32(&cfg.Layout.ModeEnable, r.ModeEnable)
	setU32(&cfg.Layout.IndexMask, r.IndexMask)

	if fc.Format.ReqLenBits != nil {
		cfg.Format.ReqLenBits = *fc.Format.ReqLenBits
	}
	if fc.Format.RespLenBits != nil {
		cfg.Format.RespLenBits = *fc.Format.RespLenBits
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overrides Timeout and PollInterval from CBDR_TIMEOUT and
// CBDR_POLL_INTERVAL_US when they are set. Malformed values are errors, not
// silently ignored.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(constants.EnvTimeout); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return NewError("CONFIG", ErrCodeInvalidArgument, fmt.Sprintf("bad %s=%q", constants.EnvTimeout, v))
		}
		c.Timeout = n
	}
	if v, ok := os.LookupEnv(constants.EnvPollInterval); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return NewError("CONFIG", ErrCodeInvalidArgument, fmt.Sprintf("bad %s=%q", constants.EnvPollInterval, v))
		}
		c.PollInterval = time.Duration(n) * time.Microsecond
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setU32(dst *uint32, v *uint32) {
	if v != nil {
		*dst = *v
	}
}
