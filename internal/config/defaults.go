package config

import (
	"net"
	"strconv"
	"time"
)

func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.sigrelay/store.db",
		},
		Gateway: GatewayConfig{
			URL:            "http://127.0.0.1:8081",
			TimeoutSeconds: 30,
		},
		API: APIConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Metrics: true,
			Burst:   10,
		},
		Relay: RelayConfig{
			GraceWindowMs:         4000,
			QueueSize:             100,
			EnqueueTimeoutSeconds: 10,
		},
		Notify: NotifyConfig{
			Console: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Color: true,
		},
	}
}

// GraceWindow is relay.graceWindowMs as a duration.
func (c RelayConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMs) * time.Millisecond
}

func (c RelayConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutSeconds) * time.Second
}

func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Addr is the listen address of the submission API.
func (c APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
