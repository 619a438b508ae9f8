package master

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
)

// FaultPolicy decides what happens with a slave that fails a state transition.
type FaultPolicy uint8

const (
	// HaltBus stops at the first failing slave; the bus does not become operational.
	HaltBus FaultPolicy = iota
	// ExcludeFaulty takes failing slaves out of the process data and continues.
	ExcludeFaulty
)

// String returns the name of the policy.
func (p FaultPolicy) String() string {
	switch p {
	case HaltBus:
		return "halt-bus"
	case ExcludeFaulty:
		return "exclude-faulty"
	default:
		return fmt.Sprintf("FaultPolicy(%d)", uint8(p))
	}
}

// Default configuration values.
const (
	DefaultCycleTimeout   = 2 * time.Millisecond
	DefaultFrameTimeout   = 2 * time.Millisecond
	DefaultStateTimeout   = 2 * time.Second
	DefaultMailboxTimeout = 700 * time.Millisecond
	DefaultEEPROMTimeout  = 20 * time.Millisecond
	DefaultRetryCount     = 3
	DefaultRetryBackoff   = 1 * time.Millisecond
	DefaultImageCapacity  = 4096
	DefaultDCMaxStep      = 1 * time.Microsecond
	DefaultDCSyncInterval = 10 * time.Millisecond
)

// Configuration ranges.
const (
	MinCycleTimeout = 100 * time.Microsecond
	MaxCycleTimeout = 1 * time.Second

	MinFrameTimeout = 100 * time.Microsecond
	MaxFrameTimeout = 1 * time.Second

	MinStateTimeout = 1 * time.Millisecond
	MaxStateTimeout = 60 * time.Second

	MinMailboxTimeout = 1 * time.Millisecond
	MaxMailboxTimeout = 30 * time.Second

	MinEEPROMTimeout = 1 * time.Millisecond
	MaxEEPROMTimeout = 10 * time.Second

	MaxRetryCount   = 100
	MaxRetryBackoff = 1 * time.Second

	MinImageCapacity = 1
	MaxImageCapacity = 1 << 20

	// MaxSlaves is the number of auto increment positions.
	MaxSlaves = 0xFFFF

	MinDCMaxStep = 1 * time.Nanosecond
	MaxDCMaxStep = 1 * time.Millisecond

	MinDCSyncInterval = 100 * time.Microsecond
	MaxDCSyncInterval = 10 * time.Second
)

// Config holds the configuration of a Master.
type Config struct {
	cycleTimeout   time.Duration
	frameTimeout   time.Duration
	stateTimeout   time.Duration
	mailboxTimeout time.Duration
	eepromTimeout  time.Duration

	retryCount   int
	retryBackoff time.Duration

	faultPolicy    FaultPolicy
	expectedSlaves int
	imageCapacity  int
	coeMapping     bool
	readOD         bool

	dc             bool
	dcMaxStep      time.Duration
	dcSyncInterval time.Duration

	sourceMAC net.HardwareAddr
	logger    logger.Logger
}

// NewConfig returns a configuration with defaults, modified by opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		cycleTimeout:   DefaultCycleTimeout,
		frameTimeout:   DefaultFrameTimeout,
		stateTimeout:   DefaultStateTimeout,
		mailboxTimeout: DefaultMailboxTimeout,
		eepromTimeout:  DefaultEEPROMTimeout,
		retryCount:     DefaultRetryCount,
		retryBackoff:   DefaultRetryBackoff,
		faultPolicy:    HaltBus,
		imageCapacity:  DefaultImageCapacity,
		coeMapping:     true,
		dc:             true,
		dcMaxStep:      DefaultDCMaxStep,
		dcSyncInterval: DefaultDCSyncInterval,
		sourceMAC:      slices.Clone(frame.DefaultSourceMAC),
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// CycleTimeout returns the receive budget of one Exchange.
func (cfg *Config) CycleTimeout() time.Duration { return cfg.cycleTimeout }

// FrameTimeout returns the receive budget of one configuration frame.
func (cfg *Config) FrameTimeout() time.Duration { return cfg.frameTimeout }

// StateTimeout returns how long a single state transition may take.
func (cfg *Config) StateTimeout() time.Duration { return cfg.stateTimeout }

// MailboxTimeout returns how long one mailbox transaction may take.
func (cfg *Config) MailboxTimeout() time.Duration { return cfg.mailboxTimeout }

// EEPROMTimeout returns how long one EEPROM read may stay busy.
func (cfg *Config) EEPROMTimeout() time.Duration { return cfg.eepromTimeout }

// RetryCount returns the number of retries of lost frames and timed out
// mailbox transactions.
func (cfg *Config) RetryCount() int { return cfg.retryCount }

// RetryBackoff returns the pause between retries.
func (cfg *Config) RetryBackoff() time.Duration { return cfg.retryBackoff }

// FaultPolicy returns the fault policy.
func (cfg *Config) FaultPolicy() FaultPolicy { return cfg.faultPolicy }

// ExpectedSlaves returns the configured slave count, 0 when any count is accepted.
func (cfg *Config) ExpectedSlaves() int { return cfg.expectedSlaves }

// ImageCapacity returns the maximum process image size in bytes.
func (cfg *Config) ImageCapacity() int { return cfg.imageCapacity }

// CoEMapping reports whether PDO mappings are read through CoE.
func (cfg *Config) CoEMapping() bool { return cfg.coeMapping }

// ObjectDictionary reports whether Configure reads the object dictionaries.
func (cfg *Config) ObjectDictionary() bool { return cfg.readOD }

// DistributedClocks reports whether Configure sets up distributed clocks.
func (cfg *Config) DistributedClocks() bool { return cfg.dc }

// DCMaxStep returns the largest offset change of one correction.
func (cfg *Config) DCMaxStep() time.Duration { return cfg.dcMaxStep }

// DCSyncInterval returns the default interval of StartClockSync.
func (cfg *Config) DCSyncInterval() time.Duration { return cfg.dcSyncInterval }

// SourceMAC returns the Ethernet source address of sent frames.
func (cfg *Config) SourceMAC() net.HardwareAddr { return slices.Clone(cfg.sourceMAC) }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option configures a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

func durationOpt(name string, lo, hi time.Duration, d time.Duration, set func(*Config)) Option {
	return optFunc(func(cfg *Config) error {
		if d < lo || d > hi {
			return fmt.Errorf("master: %s %v out of range [%v, %v]", name, d, lo, hi)
		}
		set(cfg)

		return nil
	})
}

// WithCycleTimeout sets the receive budget of one Exchange.
func WithCycleTimeout(d time.Duration) Option {
	return durationOpt("cycle timeout", MinCycleTimeout, MaxCycleTimeout, d, func(cfg *Config) { cfg.cycleTimeout = d })
}

// WithFrameTimeout sets the receive budget of one configuration frame.
func WithFrameTimeout(d time.Duration) Option {
	return durationOpt("frame timeout", MinFrameTimeout, MaxFrameTimeout, d, func(cfg *Config) { cfg.frameTimeout = d })
}

// WithStateTimeout sets how long one state transition may take.
func WithStateTimeout(d time.Duration) Option {
	return durationOpt("state timeout", MinStateTimeout, MaxStateTimeout, d, func(cfg *Config) { cfg.stateTimeout = d })
}

// WithMailboxTimeout sets how long one mailbox transaction may take.
func WithMailboxTimeout(d time.Duration) Option {
	return durationOpt("mailbox timeout", MinMailboxTimeout, MaxMailboxTimeout, d, func(cfg *Config) { cfg.mailboxTimeout = d })
}

// WithEEPROMTimeout sets how long one EEPROM read may stay busy.
func WithEEPROMTimeout(d time.Duration) Option {
	return durationOpt("EEPROM timeout", MinEEPROMTimeout, MaxEEPROMTimeout, d, func(cfg *Config) { cfg.eepromTimeout = d })
}

// WithRetryBackoff sets the pause between retries. Zero retries immediately.
func WithRetryBackoff(d time.Duration) Option {
	return durationOpt("retry backoff", 0, MaxRetryBackoff, d, func(cfg *Config) { cfg.retryBackoff = d })
}

// WithDCMaxStep sets the largest offset change of one clock correction.
func WithDCMaxStep(d time.Duration) Option {
	return durationOpt("DC max step", MinDCMaxStep, MaxDCMaxStep, d, func(cfg *Config) { cfg.dcMaxStep = d })
}

// WithDCSyncInterval sets the default interval of StartClockSync.
func WithDCSyncInterval(d time.Duration) Option {
	return durationOpt("DC sync interval", MinDCSyncInterval, MaxDCSyncInterval, d, func(cfg *Config) { cfg.dcSyncInterval = d })
}

// WithRetryCount sets the number of retries, in [0, MaxRetryCount].
func WithRetryCount(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryCount {
			return fmt.Errorf("master: retry count %d out of range [0, %d]", n, MaxRetryCount)
		}
		cfg.retryCount = n

		return nil
	})
}

// WithFaultPolicy sets the fault policy. The default is HaltBus.
func WithFaultPolicy(p FaultPolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p != HaltBus && p != ExcludeFaulty {
			return fmt.Errorf("master: unknown fault policy %d", uint8(p))
		}
		cfg.faultPolicy = p

		return nil
	})
}

// WithExpectedSlaves makes Configure fail unless exactly n slaves respond.
// Zero accepts any non-zero count.
func WithExpectedSlaves(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxSlaves {
			return fmt.Errorf("master: expected slaves %d out of range [0, %d]", n, MaxSlaves)
		}
		cfg.expectedSlaves = n

		return nil
	})
}

// WithImageCapacity sets the maximum process image size in bytes.
func WithImageCapacity(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinImageCapacity || n > MaxImageCapacity {
			return fmt.Errorf("master: image capacity %d out of range [%d, %d]", n, MinImageCapacity, MaxImageCapacity)
		}
		cfg.imageCapacity = n

		return nil
	})
}

// WithCoEMapping enables or disables reading PDO mappings through CoE.
// When disabled, or for slaves without CoE, the SII categories are used.
func WithCoEMapping(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.coeMapping = enabled
		return nil
	})
}

// WithObjectDictionary makes Configure read and cache the object
// dictionary of every slave with the SDO information service. Disabled
// by default; the typed SDO accessors then read a dictionary on first use.
func WithObjectDictionary(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.readOD = enabled
		return nil
	})
}

// WithDistributedClocks enables or disables the DC setup in Configure.
func WithDistributedClocks(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.dc = enabled
		return nil
	})
}

// WithSourceMAC sets the Ethernet source address of sent frames.
func WithSourceMAC(mac net.HardwareAddr) Option {
	return optFunc(func(cfg *Config) error {
		if len(mac) != 6 {
			return fmt.Errorf("master: source MAC %v must have 6 bytes", mac)
		}
		cfg.sourceMAC = slices.Clone(mac)

		return nil
	})
}

// WithLogger sets the logger of the master.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("master: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
