package kafka

import (
	"time"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

// DefaultConfig fills the consumer timings; callers set the rest.
func DefaultConfig() InvalidationConfig {
	return InvalidationConfig{
		Driver:           DriverNone,
		Brokers:          []string{"localhost:9092"},
		Topic:            "marker-invalidation",
		GroupID:          "viewport-cache",
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    false,
	}
}
