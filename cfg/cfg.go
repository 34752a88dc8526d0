/*
Copyright 2025 the Fedpress Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cfg defines the fedpress configuration and defaults.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls every tunable of the federation core.
// Zero values are replaced with defaults by [Config.FillDefaults].
type Config struct {
	Domain string
	Port   int

	DatabasePath    string
	DatabaseOptions string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration

	KVStoreType  string // "sqlite" or "redis"
	RedisHost    string
	RedisPort    int
	RedisTLSCert string

	UseMQ               bool
	MQTopicName         string
	MQRetryTopicName    string
	MQUseRetryTopic     bool
	MaxDeliveryAttempts int
	MQPushToken         string
	MQPollingInterval   time.Duration
	MQBatchSize         int
	MaxRetryDelay       time.Duration

	DeliveryTimeout    time.Duration
	ResolverTimeout    time.Duration
	MaxRequestBodySize int64
	MaxRequestAge      time.Duration

	FeedChunkSize     int
	FollowingPageSize int
	OutboxPageSize    int
	FeedPageSize      int

	MaxReplyDepth int

	JWKSRetryAttempts int
	JWKSRetryDelay    time.Duration

	RefresherConcurrency int
	RefresherDelay       time.Duration
	RefresherInterval    time.Duration

	WebhookMaxSkew time.Duration

	// BlockListPath points at an optional server-wide domain deny list.
	BlockListPath string

	SkipSignatureVerification bool
	AllowPrivateAddress       bool
	GhostProAddresses         []string
}

// FillDefaults replaces missing or invalid settings with defaults.
func (c *Config) FillDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}

	if c.DatabasePath == "" {
		c.DatabasePath = "fedpress.sqlite3"
	}

	if c.DatabaseOptions == "" {
		c.DatabaseOptions = "_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = time.Second * 30
	}

	if c.KVStoreType == "" {
		c.KVStoreType = "sqlite"
	}

	if c.RedisPort <= 0 {
		c.RedisPort = 6379
	}

	if c.MQTopicName == "" {
		c.MQTopicName = "ghost"
	}

	if c.MQRetryTopicName == "" {
		c.MQRetryTopicName = c.MQTopicName + "-retry"
	}

	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}

	if c.MQPollingInterval <= 0 {
		c.MQPollingInterval = time.Second * 5
	}

	if c.MQBatchSize <= 0 {
		c.MQBatchSize = 16
	}

	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Minute * 10
	}

	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = time.Second * 30
	}

	if c.ResolverTimeout <= 0 {
		c.ResolverTimeout = time.Second * 30
	}

	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = 1024 * 1024
	}

	if c.MaxRequestAge <= 0 {
		c.MaxRequestAge = time.Minute * 5
	}

	if c.FeedChunkSize <= 0 {
		c.FeedChunkSize = 1000
	}

	if c.FollowingPageSize <= 0 {
		c.FollowingPageSize = 36
	}

	if c.OutboxPageSize <= 0 {
		c.OutboxPageSize = 20
	}

	if c.FeedPageSize <= 0 {
		c.FeedPageSize = 20
	}

	if c.MaxReplyDepth <= 0 {
		c.MaxReplyDepth = 32
	}

	if c.JWKSRetryAttempts <= 0 {
		c.JWKSRetryAttempts = 5
	}

	if c.JWKSRetryDelay <= 0 {
		c.JWKSRetryDelay = time.Second
	}

	if c.RefresherConcurrency <= 0 {
		c.RefresherConcurrency = 4
	}

	if c.RefresherDelay <= 0 {
		c.RefresherDelay = time.Millisecond * 100
	}

	if c.RefresherInterval <= 0 {
		c.RefresherInterval = time.Minute * 10
	}

	if c.WebhookMaxSkew <= 0 {
		c.WebhookMaxSkew = time.Minute * 5
	}
}

// FromEnv builds a [Config] from environment variables.
func FromEnv() (*Config, error) {
	c := Config{
		Domain:           os.Getenv("DOMAIN"),
		DatabasePath:     os.Getenv("DB_PATH"),
		KVStoreType:      os.Getenv("FEDIFY_KV_STORE_TYPE"),
		RedisHost:        os.Getenv("REDIS_HOST"),
		RedisTLSCert:     os.Getenv("REDIS_TLS_CERT"),
		MQTopicName:      os.Getenv("MQ_PUBSUB_TOPIC_NAME"),
		MQRetryTopicName: os.Getenv("MQ_PUBSUB_RETRY_TOPIC_NAME"),
		MQPushToken:      os.Getenv("MQ_PUSH_TOKEN"),
		BlockListPath:    os.Getenv("BLOCKLIST_PATH"),
	}

	if c.Domain == "" {
		return nil, fmt.Errorf("DOMAIN is unset")
	}

	var err error
	if c.Port, err = intEnv("PORT"); err != nil {
		return nil, err
	}
	if c.RedisPort, err = intEnv("REDIS_PORT"); err != nil {
		return nil, err
	}
	if c.MaxDeliveryAttempts, err = intEnv("MQ_PUBSUB_MAX_DELIVERY_ATTEMPTS"); err != nil {
		return nil, err
	}

	c.UseMQ = boolEnv("USE_MQ")
	c.MQUseRetryTopic = boolEnv("MQ_PUBSUB_USE_RETRY_TOPIC")
	c.SkipSignatureVerification = boolEnv("SKIP_SIGNATURE_VERIFICATION")
	c.AllowPrivateAddress = boolEnv("ALLOW_PRIVATE_ADDRESS")

	if s := os.Getenv("GHOST_PRO_IP_ADDRESSES"); s != "" {
		c.GhostProAddresses = strings.Split(s, ",")
	}

	c.FillDefaults()
	return &c, nil
}

func intEnv(name string) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return n, nil
}

func boolEnv(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
