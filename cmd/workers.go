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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gantryio/gantry/config"
	redis_db "github.com/gantryio/gantry/internal/redis-db"
	"github.com/gantryio/gantry/model"
)

// processCommand applies one queued command to its entity. A lease held
// by another worker surfaces as an error, which asynq answers with a
// delayed retry.
func (g *gantryInstance) processCommand(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("gantry.commands.worker").Start(ctx, "Process Command From Redis Queue",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var cmd model.Command
	if err := json.Unmarshal(t.Payload(), &cmd); err != nil {
		logrus.Error(err)
		return err
	}

	result, err := g.gantry.ExecuteCommand(ctx, cmd)
	if err != nil {
		logrus.Infof("Command %s on %s pushed back for retry: %v", cmd.CommandType, cmd.EntityID, err)
		return err
	}

	log.Printf(" [*] Command %s applied to %s: %s", cmd.CommandType, cmd.EntityID, result.Status)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Worker.WebhookQueue] = 3

	for i := 1; i <= cfg.Worker.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Worker.CommandQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisOption.Addr,
			Password: redisOption.Password,
			DB:       redisOption.DB,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(g *gantryInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// Commands arrive on sharded queues but share one task type.
	mux.HandleFunc(cfg.Worker.CommandQueue, g.processCommand)
	mux.HandleFunc(cfg.Worker.WebhookQueue, g.gantry.ProcessWebhook)
}

// workerCommands defines the "workers" command. It runs the process
// managers that drive entities through their state graphs alongside the
// asynq consumers for commands and webhook deliveries.
func workerCommands(g *gantryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start gantry workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(g, mux)

			g.gantry.StartWorkers(ctx)
			defer g.gantry.StopWorkers()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
