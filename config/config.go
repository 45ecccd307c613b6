/*
Copyright 2025 Gantry Authors.

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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "7171"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"GANTRY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"GANTRY_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"GANTRY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"GANTRY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"GANTRY_REDIS_DNS"`
}

// WorkerConfig tunes the process managers and the command queue. All
// durations are in milliseconds so they round-trip through env vars.
type WorkerConfig struct {
	WorkerID         string `json:"worker_id" envconfig:"GANTRY_WORKER_ID"`
	BatchSize        int    `json:"batch_size" envconfig:"GANTRY_WORKER_BATCH_SIZE"`
	LeaseDurationMs  int64  `json:"lease_duration_ms" envconfig:"GANTRY_WORKER_LEASE_DURATION_MS"`
	PollIntervalMs   int64  `json:"poll_interval_ms" envconfig:"GANTRY_WORKER_POLL_INTERVAL_MS"`
	RetryBaseMs      int64  `json:"retry_base_ms" envconfig:"GANTRY_WORKER_RETRY_BASE_MS"`
	RetryMaxMs       int64  `json:"retry_max_ms" envconfig:"GANTRY_WORKER_RETRY_MAX_MS"`
	CommandQueue     string `json:"command_queue" envconfig:"GANTRY_WORKER_COMMAND_QUEUE"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"GANTRY_WORKER_WEBHOOK_QUEUE"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"GANTRY_WORKER_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"GANTRY_WORKER_MAX_RETRY_ATTEMPTS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"GANTRY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"GANTRY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"GANTRY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"GANTRY_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Worker       WorkerConfig     `json:"worker"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("gantry", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called gantry.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Gantry Connector"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Worker.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "gantry-worker"
		}
		cnf.Worker.WorkerID = host
	}
	if cnf.Worker.BatchSize <= 0 {
		cnf.Worker.BatchSize = 10
	}
	if cnf.Worker.LeaseDurationMs <= 0 {
		cnf.Worker.LeaseDurationMs = 60_000
	}
	if cnf.Worker.PollIntervalMs <= 0 {
		cnf.Worker.PollIntervalMs = 1_000
	}
	if cnf.Worker.RetryBaseMs <= 0 {
		cnf.Worker.RetryBaseMs = 1_000
	}
	if cnf.Worker.RetryMaxMs <= 0 {
		cnf.Worker.RetryMaxMs = 3_600_000 // an hour between attempts at the top end
	}
	if cnf.Worker.CommandQueue == "" {
		cnf.Worker.CommandQueue = "gantry:commands"
	}
	if cnf.Worker.WebhookQueue == "" {
		cnf.Worker.WebhookQueue = "gantry:webhooks"
	}
	if cnf.Worker.NumberOfQueues <= 0 {
		cnf.Worker.NumberOfQueues = 4
	}
	if cnf.Worker.MaxRetryAttempts <= 0 {
		cnf.Worker.MaxRetryAttempts = 5
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyWorkerDefaults()
	ConfigStore.Store(mockConfig)
}

func (cnf *Configuration) applyWorkerDefaults() {
	if cnf.Worker.WorkerID == "" {
		cnf.Worker.WorkerID = "test-worker"
	}
	if cnf.Worker.BatchSize <= 0 {
		cnf.Worker.BatchSize = 10
	}
	if cnf.Worker.LeaseDurationMs <= 0 {
		cnf.Worker.LeaseDurationMs = 60_000
	}
	if cnf.Worker.PollIntervalMs <= 0 {
		cnf.Worker.PollIntervalMs = 50
	}
	if cnf.Worker.RetryBaseMs <= 0 {
		cnf.Worker.RetryBaseMs = 100
	}
	if cnf.Worker.RetryMaxMs <= 0 {
		cnf.Worker.RetryMaxMs = 60_000
	}
	if cnf.Worker.CommandQueue == "" {
		cnf.Worker.CommandQueue = "gantry:commands"
	}
	if cnf.Worker.WebhookQueue == "" {
		cnf.Worker.WebhookQueue = "gantry:webhooks"
	}
	if cnf.Worker.NumberOfQueues <= 0 {
		cnf.Worker.NumberOfQueues = 1
	}
	if cnf.Worker.MaxRetryAttempts <= 0 {
		cnf.Worker.MaxRetryAttempts = 5
	}
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
