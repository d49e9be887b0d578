package global

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig holds everything the messaging core needs at startup.
// Values come from the environment; zero-config defaults run the whole
// stack in-process (memory store, memory broker, memory presence).
type AppConfig struct {
	ListenAddr string `env:"CHAT_LISTEN_ADDR" envDefault:":8090"`
	NodeID     int64  `env:"CHAT_NODE_ID" envDefault:"1"`

	// Identity binding
	JWTSecret string `env:"CHAT_JWT_SECRET"`

	// Message limits
	MaxBodyBytes int `env:"CHAT_MAX_BODY_BYTES" envDefault:"4096"`

	// Kafka broker channel; empty brokers means in-process broker
	KafkaBrokers    []string `env:"CHAT_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic      string   `env:"CHAT_KAFKA_TOPIC" envDefault:"chat.messages"`
	KafkaGroupID    string   `env:"CHAT_KAFKA_GROUP" envDefault:"chatcore-persist"`
	KafkaPartitions int32    `env:"CHAT_KAFKA_PARTITIONS" envDefault:"8"`

	// NATS ephemeral bus; empty means in-process bus
	NatsServers []string `env:"CHAT_NATS_SERVERS" envSeparator:","`

	// Redis presence; empty addr means in-process presence
	RedisAddr     string `env:"CHAT_REDIS_ADDR"`
	RedisPassword string `env:"CHAT_REDIS_PASSWORD"`
	RedisDB       int    `env:"CHAT_REDIS_DB" envDefault:"0"`

	// Mongo message store; empty URI means in-process store
	MongoURI string `env:"CHAT_MONGO_URI"`
	MongoDB  string `env:"CHAT_MONGO_DB" envDefault:"chatcore"`

	// Session outbound queue
	SendQueueSize int `env:"CHAT_SEND_QUEUE_SIZE" envDefault:"256"`

	// Broadcast reordering
	ReorderWindow int           `env:"CHAT_REORDER_WINDOW" envDefault:"128"`
	GapWait       time.Duration `env:"CHAT_GAP_WAIT" envDefault:"2s"`
}

// Load parses the application config from the environment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
