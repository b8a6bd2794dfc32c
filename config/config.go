/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package config defines Options (spec.md §6 "configured options") and
// loads it from a file via viper, overlays environment variables via
// caarlos0/env, and validates the merged result via go-playground's
// validator, the same three-stage pipeline the teacher's own config
// package runs between viper and a typed component config.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ConnectionOptions covers spec.md §6 "connection" keys.
type ConnectionOptions struct {
	ConnectTimeout             time.Duration `mapstructure:"connectTimeout" env:"GOREDISSON_CONNECT_TIMEOUT" validate:"required"`
	ResponseTimeout            time.Duration `mapstructure:"responseTimeout" env:"GOREDISSON_RESPONSE_TIMEOUT" validate:"required"`
	RetryAttempts              int           `mapstructure:"retryAttempts" env:"GOREDISSON_RETRY_ATTEMPTS" validate:"gte=0"`
	RetryInterval              time.Duration `mapstructure:"retryInterval" env:"GOREDISSON_RETRY_INTERVAL"`
	ConnectionPoolSize         int           `mapstructure:"connectionPoolSize" env:"GOREDISSON_POOL_SIZE" validate:"gt=0"`
	ConnectionMinIdle          int           `mapstructure:"connectionMinIdle" env:"GOREDISSON_POOL_MIN_IDLE" validate:"gte=0"`
	SubscriptionPoolSize       int           `mapstructure:"subscriptionPoolSize" env:"GOREDISSON_SUB_POOL_SIZE" validate:"gte=0"`
	SubscriptionsPerConnection int           `mapstructure:"subscriptionsPerConnection" env:"GOREDISSON_SUBS_PER_CONN" validate:"gte=0"`
	IdleConnectionTimeout      time.Duration `mapstructure:"idleConnectionTimeout" env:"GOREDISSON_IDLE_TIMEOUT"`
	PingInterval               time.Duration `mapstructure:"pingInterval" env:"GOREDISSON_PING_INTERVAL"`
	KeepAlive                  bool          `mapstructure:"keepAlive" env:"GOREDISSON_KEEPALIVE"`
	TCPNoDelay                 bool          `mapstructure:"tcpNoDelay" env:"GOREDISSON_TCP_NODELAY"`
	TLS                        TLSOptions    `mapstructure:"tls"`
}

// TLSOptions covers spec.md §6's "tls + {truststore, keystore,
// endpointIdentification}" group.
type TLSOptions struct {
	Enabled                bool   `mapstructure:"enabled" env:"GOREDISSON_TLS_ENABLED"`
	TrustStore             string `mapstructure:"truststore" env:"GOREDISSON_TLS_TRUSTSTORE"`
	KeyStore               string `mapstructure:"keystore" env:"GOREDISSON_TLS_KEYSTORE"`
	EndpointIdentification bool   `mapstructure:"endpointIdentification" env:"GOREDISSON_TLS_ENDPOINT_ID"`
}

// TopologyOptions covers spec.md §6 "topology" keys.
type TopologyOptions struct {
	Mode                  string        `mapstructure:"mode" env:"GOREDISSON_TOPOLOGY_MODE" validate:"oneof=single replicated sentinel cluster"`
	ReadMode              string        `mapstructure:"readMode" env:"GOREDISSON_READ_MODE" validate:"oneof=primary replica any"`
	SubscriptionMode      string        `mapstructure:"subscriptionMode" env:"GOREDISSON_SUBSCRIPTION_MODE" validate:"oneof=primary replica"`
	ScanInterval          time.Duration `mapstructure:"scanInterval" env:"GOREDISSON_SCAN_INTERVAL"`
	CheckSlotsCoverage    bool          `mapstructure:"checkSlotsCoverage" env:"GOREDISSON_CHECK_SLOTS_COVERAGE"`
	NATMapper             bool          `mapstructure:"natMapper" env:"GOREDISSON_NAT_MAPPER"`
	DNSMonitoringInterval time.Duration `mapstructure:"dnsMonitoringInterval" env:"GOREDISSON_DNS_MONITORING_INTERVAL"`
}

// ExecutorOptions covers spec.md §6 "executor" keys.
type ExecutorOptions struct {
	TaskRetryInterval time.Duration `mapstructure:"taskRetryInterval" env:"GOREDISSON_TASK_RETRY_INTERVAL"`
	TaskTimeout       time.Duration `mapstructure:"taskTimeout" env:"GOREDISSON_TASK_TIMEOUT"`
}

// BatchOptions covers spec.md §6 "batch" keys.
type BatchOptions struct {
	ExecutionMode string        `mapstructure:"executionMode" env:"GOREDISSON_BATCH_MODE" validate:"oneof=pipelined atomic skipResult replicaSync"`
	SyncReplicas  int           `mapstructure:"syncReplicas" env:"GOREDISSON_BATCH_SYNC_REPLICAS" validate:"gte=0"`
	SyncTimeout   time.Duration `mapstructure:"syncTimeout" env:"GOREDISSON_BATCH_SYNC_TIMEOUT"`
	SkipResult    bool          `mapstructure:"skipResult" env:"GOREDISSON_BATCH_SKIP_RESULT"`
	RetryAttempts int           `mapstructure:"retryAttempts" env:"GOREDISSON_BATCH_RETRY_ATTEMPTS" validate:"gte=0"`
	RetryInterval time.Duration `mapstructure:"retryInterval" env:"GOREDISSON_BATCH_RETRY_INTERVAL"`
}

// Options is the merged, validated configuration for a Client (spec.md
// §6's four option groups).
type Options struct {
	Connection ConnectionOptions `mapstructure:"connection" validate:"required"`
	Topology   TopologyOptions   `mapstructure:"topology" validate:"required"`
	Executor   ExecutorOptions   `mapstructure:"executor"`
	Batch      BatchOptions      `mapstructure:"batch"`
}

func defaults() Options {
	return Options{
		Connection: ConnectionOptions{
			ConnectTimeout:             10 * time.Second,
			ResponseTimeout:            5 * time.Second,
			RetryAttempts:              3,
			RetryInterval:              100 * time.Millisecond,
			ConnectionPoolSize:         64,
			ConnectionMinIdle:          8,
			SubscriptionPoolSize:       8,
			SubscriptionsPerConnection: 5,
			IdleConnectionTimeout:      10 * time.Minute,
			PingInterval:               30 * time.Second,
			KeepAlive:                  true,
			TCPNoDelay:                 true,
		},
		Topology: TopologyOptions{
			Mode:                  "single",
			ReadMode:              "primary",
			SubscriptionMode:      "primary",
			ScanInterval:          5 * time.Second,
			CheckSlotsCoverage:    true,
			DNSMonitoringInterval: 30 * time.Second,
		},
		Executor: ExecutorOptions{
			TaskRetryInterval: 5 * time.Second,
			TaskTimeout:       30 * time.Second,
		},
		Batch: BatchOptions{
			ExecutionMode: "pipelined",
			RetryAttempts: 3,
			RetryInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads configFile (if non-empty) through viper, overlays it with
// Options struct defaults, applies environment-variable overrides via
// caarlos0/env, and validates the merged result. configFile may be empty,
// in which case only defaults plus environment overrides apply.
func Load(configFile string) (Options, error) {
	opt := defaults()

	v := viper.New()
	v.SetConfigFile(configFile)
	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}

		decoded := opt
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &decoded,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		})
		if err != nil {
			return Options{}, fmt.Errorf("config: building decoder: %w", err)
		}
		if err := dec.Decode(v.AllSettings()); err != nil {
			return Options{}, fmt.Errorf("config: decoding %s: %w", configFile, err)
		}
		opt = decoded
	}

	if err := env.Parse(&opt); err != nil {
		return Options{}, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	if err := validator.New().Struct(&opt); err != nil {
		return Options{}, fmt.Errorf("config: %w", err)
	}

	return opt, nil
}
