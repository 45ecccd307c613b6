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

package gantry

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gantryio/gantry/config"
	redis_db "github.com/gantryio/gantry/internal/redis-db"
	"github.com/gantryio/gantry/model"
)

// Queue hands commands and webhook deliveries to the asynq workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided
// configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Close releases the queue connections.
func (q *Queue) Close() error {
	return q.Client.Close()
}

// EnqueueCommand queues a command for asynchronous execution against its
// entity. The task id is derived from the command, so re-submitting an
// identical command while one is still queued dedupes instead of
// doubling up. Commands for the same entity land on the same sharded
// queue and execute in submission order.
func (q *Queue) EnqueueCommand(cmd model.Command) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s_%s", cmd.EntityID, cmd.CommandType)),
		asynq.Queue(shardQueueName(cmd.EntityID, cfg.Worker.CommandQueue, cfg.Worker.NumberOfQueues)),
		asynq.MaxRetry(cfg.Worker.MaxRetryAttempts),
	}
	task := asynq.NewTask(cfg.Worker.CommandQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued command %s for %s", cmd.CommandType, cmd.EntityID)
	return nil
}

// EnqueueWebhook queues one webhook delivery.
func (q *Queue) EnqueueWebhook(delivery WebhookDelivery) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(delivery.DeliveryID),
		asynq.Queue(cfg.Worker.WebhookQueue),
		asynq.MaxRetry(cfg.Worker.MaxRetryAttempts),
		asynq.Timeout(1 * time.Minute),
	}
	task := asynq.NewTask(cfg.Worker.WebhookQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued webhook delivery %s", delivery.DeliveryID)
	return nil
}

// shardQueueName picks a stable queue shard for an entity so commands
// for one entity never race each other across workers.
func shardQueueName(entityID, base string, numberOfQueues int) string {
	if numberOfQueues <= 1 {
		return fmt.Sprintf("%s_1", base)
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(entityID))
	shard := hash.Sum32()%uint32(numberOfQueues) + 1
	return fmt.Sprintf("%s_%d", base, shard)
}
