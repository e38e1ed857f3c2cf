package config

import "time"

type Config struct {
	Service     *ServiceConfig
	Redis       *RedisConfig
	Postgres    *PostgresConfig
	Store       *StoreConfig
	Relay       *RelayConfig
	Broker      *BrokerConfig
	WebSocket   *WebSocketConfig
	Logger      *LoggerConfig
	Tracer      *TracerConfig
	Token       *TokenConfig
	SecretToken string
}

type ServiceConfig struct {
	Name string
	Env  string
	Add  string
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
	LocationTTL  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// StoreConfig selects the record store backend: "postgres" or "memory".
type StoreConfig struct {
	Driver string
}

// RelayConfig controls cross-node fan-out over Redis pub/sub.
type RelayConfig struct {
	Enabled       bool
	ChannelPrefix string
}

type BrokerConfig struct {
	// AnonymousEmergency subscribes unauthenticated connections to the
	// global emergency channel.
	AnonymousEmergency bool
}

type WebSocketConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	AuthTimeout  time.Duration
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TracerConfig struct {
	Address string
}

type TokenConfig struct {
	Issuer string
	TTL    time.Duration
}
