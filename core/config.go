package core

import "time"

// Config holds every tunable of the client. Built through ConfigBuilder;
// DefaultConfig returns the documented defaults used when nothing is
// overridden.
type Config struct {
	BlockLength       int
	RequestsPerCall   int
	MaxMessageLength  int
	Port              uint16
	ExtensionProtocol bool
	MetadataExchange  bool
	AnnounceTimeout   time.Duration
	DialTimeout       time.Duration
	BackoffInterval   time.Duration
	KeepAliveInterval time.Duration
	MaxPieceFailures  int
}

// DefaultConfig returns the client's default tunables.
func DefaultConfig() Config {
	return Config{
		BlockLength:       1 << 14, // 16384
		RequestsPerCall:   6,
		MaxMessageLength:  1 << 17, // 131072
		Port:              8000,
		ExtensionProtocol: true,
		MetadataExchange:  true,
		AnnounceTimeout:   15 * time.Second,
		DialTimeout:       3 * time.Second,
		BackoffInterval:   10 * time.Second,
		KeepAliveInterval: 120 * time.Second,
		MaxPieceFailures:  8,
	}
}

// ConfigBuilder builds a Config via chained With* calls.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder starts from DefaultConfig.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

func (b *ConfigBuilder) WithBlockLength(n int) *ConfigBuilder {
	b.cfg.BlockLength = n
	return b
}

func (b *ConfigBuilder) WithRequestsPerCall(n int) *ConfigBuilder {
	b.cfg.RequestsPerCall = n
	return b
}

func (b *ConfigBuilder) WithMaxMessageLength(n int) *ConfigBuilder {
	b.cfg.MaxMessageLength = n
	return b
}

func (b *ConfigBuilder) WithPort(port uint16) *ConfigBuilder {
	b.cfg.Port = port
	return b
}

func (b *ConfigBuilder) WithExtensionProtocol(enabled bool) *ConfigBuilder {
	b.cfg.ExtensionProtocol = enabled
	return b
}

func (b *ConfigBuilder) WithMetadataExchange(enabled bool) *ConfigBuilder {
	b.cfg.MetadataExchange = enabled
	return b
}

func (b *ConfigBuilder) WithAnnounceTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.AnnounceTimeout = d
	return b
}

func (b *ConfigBuilder) WithDialTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.DialTimeout = d
	return b
}

// Build finalizes the Config.
func (b *ConfigBuilder) Build() Config {
	return b.cfg
}
