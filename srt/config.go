package srt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/srtkit/internal/conn"
	"github.com/zsiec/srtkit/internal/crypto"
	"github.com/zsiec/srtkit/internal/entropy"
	"github.com/zsiec/srtkit/internal/handshake"
)

// Connection modes accepted in URLs and configuration files.
const (
	ModeCaller   = "caller"
	ModeListener = "listener"
)

const (
	minMSS         = 76
	maxMSS         = 1500
	minFlowWindow  = 32
	maxStreamIDLen = 512
	// headerOverhead is the IPv4, UDP and SRT header size within the MSS.
	headerOverhead = 44
)

// Config configures a caller or listener. Zero durations and counts are
// replaced by the DefaultConfig values when a connection opens, except
// Latency: zero disables timestamp-based delivery.
type Config struct {
	Mode      string `yaml:"mode"`
	LocalAddr string `yaml:"local_addr"`

	MSS         int           `yaml:"mss"`
	PayloadSize int           `yaml:"payload_size"`
	Latency     time.Duration `yaml:"latency"`
	FlowWindow  int           `yaml:"flow_window"`
	SendBuffer  int           `yaml:"send_buffer"`
	StreamMode  bool          `yaml:"stream_mode"`
	StreamID    string        `yaml:"stream_id"`

	Passphrase         string `yaml:"passphrase"`
	KeyLength          int    `yaml:"key_length"` // 0, 16, 24 or 32
	EnforcedEncryption bool   `yaml:"enforced_encryption"`
	KeyRefreshPackets  int    `yaml:"key_refresh_packets"`
	KeyPreAnnounce     int    `yaml:"key_pre_announce"`

	MaxRetransmits int           `yaml:"max_retransmits"`
	MinRTO         time.Duration `yaml:"min_rto"`
	MaxRTO         time.Duration `yaml:"max_rto"`
	MaxBackoff     int           `yaml:"max_backoff"`
	NAKDelay       time.Duration `yaml:"nak_delay"`

	HandshakeRetries  int           `yaml:"handshake_retries"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	PeerIdleTimeout   time.Duration `yaml:"peer_idle_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	CloseTimeout      time.Duration `yaml:"close_timeout"`

	MaxCongestionWindow int   `yaml:"max_congestion_window"`
	MaxBandwidth        int64 `yaml:"max_bandwidth"` // bytes per second, 0 for unlimited

	// Backlog bounds the connections a listener holds for Accept.
	Backlog int `yaml:"backlog"`

	// Logger receives structured logs. If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-"`
	// Rand supplies socket ids, sequence numbers, salts and keys. If nil,
	// crypto/rand is used. It must be safe for concurrent use or owned by
	// a single connection.
	Rand io.Reader `yaml:"-"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeCaller,
		MSS:                 maxMSS,
		PayloadSize:         conn.DefaultPayloadSize,
		Latency:             120 * time.Millisecond,
		FlowWindow:          8192,
		SendBuffer:          conn.DefaultSendBuffer,
		KeyRefreshPackets:   1 << 24,
		KeyPreAnnounce:      1 << 12,
		MaxRetransmits:      conn.DefaultMaxRetransmits,
		MinRTO:              conn.DefaultMinRTO,
		MaxRTO:              conn.DefaultMaxRTO,
		MaxBackoff:          conn.DefaultMaxBackoff,
		NAKDelay:            conn.DefaultNAKDelay,
		HandshakeRetries:    handshake.DefaultRetries,
		HandshakeInterval:   handshake.DefaultInterval,
		ConnectTimeout:      conn.DefaultConnectTimeout,
		PeerIdleTimeout:     conn.DefaultPeerIdleTimeout,
		KeepAlive:           conn.DefaultKeepAlive,
		CloseTimeout:        conn.DefaultCloseTimeout,
		MaxCongestionWindow: 8192,
		Backlog:             16,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	setInt(&c.MSS, d.MSS)
	setInt(&c.PayloadSize, min(d.PayloadSize, c.MSS-headerOverhead))
	setInt(&c.FlowWindow, d.FlowWindow)
	setInt(&c.SendBuffer, d.SendBuffer)
	setInt(&c.KeyRefreshPackets, d.KeyRefreshPackets)
	setInt(&c.KeyPreAnnounce, d.KeyPreAnnounce)
	setInt(&c.MaxRetransmits, d.MaxRetransmits)
	setInt(&c.MaxBackoff, d.MaxBackoff)
	setInt(&c.HandshakeRetries, d.HandshakeRetries)
	setInt(&c.MaxCongestionWindow, d.MaxCongestionWindow)
	setInt(&c.Backlog, d.Backlog)
	setDur(&c.MinRTO, d.MinRTO)
	setDur(&c.MaxRTO, d.MaxRTO)
	setDur(&c.NAKDelay, d.NAKDelay)
	setDur(&c.HandshakeInterval, d.HandshakeInterval)
	setDur(&c.ConnectTimeout, d.ConnectTimeout)
	setDur(&c.PeerIdleTimeout, d.PeerIdleTimeout)
	setDur(&c.KeepAlive, d.KeepAlive)
	setDur(&c.CloseTimeout, d.CloseTimeout)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports every invalid field of c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("srt: config: "+format, args...))
	}

	if c.Mode != ModeCaller && c.Mode != ModeListener {
		bad("mode %q must be %q or %q", c.Mode, ModeCaller, ModeListener)
	}
	if c.MSS < minMSS || c.MSS > maxMSS {
		bad("mss %d out of range [%d, %d]", c.MSS, minMSS, maxMSS)
	}
	if c.PayloadSize < 1 || c.PayloadSize > c.MSS-headerOverhead {
		bad("payload size %d must be in [1, %d]", c.PayloadSize, c.MSS-headerOverhead)
	}
	if c.Passphrase != "" && c.PayloadSize <= crypto.Overhead {
		bad("payload size %d leaves no room for the %d-byte authentication tag", c.PayloadSize, crypto.Overhead)
	}
	if c.Latency < 0 {
		bad("latency %s is negative", c.Latency)
	}
	if c.FlowWindow < minFlowWindow {
		bad("flow window %d below %d", c.FlowWindow, minFlowWindow)
	}
	if c.SendBuffer < 1 {
		bad("send buffer %d must be positive", c.SendBuffer)
	}
	if len(c.StreamID) > maxStreamIDLen {
		bad("stream id is %d bytes, limit %d", len(c.StreamID), maxStreamIDLen)
	}
	if c.KeyLength != 0 && !crypto.ValidKeyLen(c.KeyLength) {
		bad("key length %d must be 0, 16, 24 or 32", c.KeyLength)
	}
	if c.Passphrase != "" {
		if err := crypto.ValidatePassphrase(c.Passphrase, c.KeyLength); err != nil {
			errs = append(errs, fmt.Errorf("srt: config: %w", err))
		}
		if c.KeyRefreshPackets <= 2*c.KeyPreAnnounce {
			bad("key refresh %d must exceed twice the pre-announce %d", c.KeyRefreshPackets, c.KeyPreAnnounce)
		}
	}
	if c.EnforcedEncryption && c.Passphrase == "" && c.Mode == ModeCaller {
		bad("enforced encryption requires a passphrase")
	}
	if c.MinRTO > c.MaxRTO {
		bad("min rto %s exceeds max rto %s", c.MinRTO, c.MaxRTO)
	}
	if c.KeepAlive >= c.PeerIdleTimeout {
		bad("keep-alive %s must be shorter than the peer idle timeout %s", c.KeepAlive, c.PeerIdleTimeout)
	}
	if c.MaxBandwidth < 0 {
		bad("max bandwidth %d is negative", c.MaxBandwidth)
	}
	return errors.Join(errs...)
}

// LoadConfig reads a YAML configuration file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("srt: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("srt: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseURL parses an srt://host:port?option=value URL using the option
// names of srt-live-transmit and returns the address with base updated.
// Latencies and timeouts are in milliseconds; maxbw is bytes per second.
func ParseURL(raw string, base Config) (string, Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", base, fmt.Errorf("srt: parse url: %w", err)
	}
	if u.Scheme != "srt" {
		return "", base, fmt.Errorf("srt: url scheme %q, want srt", u.Scheme)
	}
	cfg := base
	q := u.Query()
	for key := range q {
		v := q.Get(key)
		if err := applyOption(&cfg, key, v); err != nil {
			return "", base, fmt.Errorf("srt: url option %s=%q: %w", key, v, err)
		}
	}
	if u.Hostname() == "" && cfg.Mode != ModeListener {
		return "", base, fmt.Errorf("srt: url %q has no host to call", raw)
	}
	return u.Host, cfg, nil
}

func applyOption(cfg *Config, key, v string) error {
	ms := func() (time.Duration, error) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	var err error
	switch key {
	case "mode":
		switch v {
		case "caller", "client":
			cfg.Mode = ModeCaller
		case "listener", "server":
			cfg.Mode = ModeListener
		default:
			return errors.New("unsupported mode")
		}
	case "latency":
		cfg.Latency, err = ms()
	case "passphrase":
		cfg.Passphrase = v
	case "pbkeylen":
		cfg.KeyLength, err = strconv.Atoi(v)
	case "streamid":
		cfg.StreamID = v
	case "mss":
		cfg.MSS, err = strconv.Atoi(v)
	case "payloadsize":
		cfg.PayloadSize, err = strconv.Atoi(v)
	case "fc":
		cfg.FlowWindow, err = strconv.Atoi(v)
	case "maxbw":
		cfg.MaxBandwidth, err = strconv.ParseInt(v, 10, 64)
	case "enforcedencryption":
		cfg.EnforcedEncryption, err = strconv.ParseBool(v)
	case "conntimeo":
		cfg.ConnectTimeout, err = ms()
	case "peeridletimeo":
		cfg.PeerIdleTimeout, err = ms()
	case "transtype":
		switch v {
		case "live":
			cfg.StreamMode = false
		case "file":
			cfg.StreamMode = true
		default:
			return errors.New("unsupported transtype")
		}
	default:
		return errors.New("unknown option")
	}
	return err
}

// connConfig translates c into the engine configuration for one
// connection. c must already carry defaults.
func (c Config) connConfig(src *entropy.Source, log *slog.Logger) conn.Config {
	return conn.Config{
		Handshake: handshake.Config{
			MSS:                uint32(c.MSS),
			FlowWindow:         uint32(c.FlowWindow),
			Latency:            c.Latency,
			StreamID:           c.StreamID,
			StreamMode:         c.StreamMode,
			Passphrase:         c.Passphrase,
			KeyLen:             c.KeyLength,
			EnforcedEncryption: c.EnforcedEncryption,
			KeyRefreshPackets:  c.KeyRefreshPackets,
			KeyPreAnnounce:     c.KeyPreAnnounce,
			Interval:           c.HandshakeInterval,
			Retries:            c.HandshakeRetries,
			Entropy:            src,
		},
		PayloadSize:     c.PayloadSize,
		SendBuffer:      c.SendBuffer,
		MaxRetransmits:  c.MaxRetransmits,
		MinRTO:          c.MinRTO,
		MaxRTO:          c.MaxRTO,
		MaxBackoff:      c.MaxBackoff,
		NAKDelay:        c.NAKDelay,
		KeepAlive:       c.KeepAlive,
		PeerIdleTimeout: c.PeerIdleTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		CloseTimeout:    c.CloseTimeout,
		MaxWindow:       c.MaxCongestionWindow,
		MaxBandwidth:    c.MaxBandwidth,
		Logger:          log,
	}
}

func entropyFor(c Config) *entropy.Source {
	if c.Rand != nil {
		return entropy.FromReader(c.Rand)
	}
	return entropy.New()
}
