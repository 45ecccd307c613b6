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
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantryio/gantry/config"
	"github.com/gantryio/gantry/database"
	redis_db "github.com/gantryio/gantry/internal/redis-db"
	"github.com/gantryio/gantry/model"
)

// Gantry is the orchestration core of the connector. Every piece is
// wired explicitly here; there is no container or reflection-driven
// discovery anywhere in the construction path.
type Gantry struct {
	queue       *Queue
	redis       redis.UniversalClient
	datasource  database.IDataSource
	events      *EventRouter
	dispatchers *DispatcherRegistry
	commands    *CommandRegistry
	managers    map[model.Kind]*ProcessManager
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewGantry initializes the connector core on the provided datasource.
// It wires the queue, the event router, the dispatcher and command
// registries, the built-in HTTP dispatcher, and a process manager per
// entity kind with the default handler flows registered.
func NewGantry(db database.IDataSource) (*Gantry, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	g := &Gantry{
		queue:       NewQueue(configuration),
		redis:       redisClient.Client(),
		datasource:  db,
		events:      NewEventRouter(),
		dispatchers: NewDispatcherRegistry(),
		commands:    NewCommandRegistry(),
		managers:    make(map[model.Kind]*ProcessManager),
	}

	g.dispatchers.Register(NewHTTPDispatcher(configuration.Worker.MaxRetryAttempts, nil))

	opts := managerOptions(configuration)
	for _, kind := range []model.Kind{model.KindNegotiation, model.KindTransfer, model.KindMonitor} {
		ws := NewExponentialWaitStrategy(
			time.Duration(configuration.Worker.PollIntervalMs)*time.Millisecond,
			opts.RetryBase,
			opts.RetryMax,
		)
		g.managers[kind] = NewProcessManager(kind, db, g.commands, g.events, ws, opts)
	}

	g.registerNegotiationFlows()
	g.registerTransferFlows()
	g.registerMonitorFlows()
	g.subscribeWebhookEvents()

	return g, nil
}

func managerOptions(cfg *config.Configuration) ManagerOptions {
	return ManagerOptions{
		Owner:         cfg.Worker.WorkerID,
		BatchSize:     cfg.Worker.BatchSize,
		LeaseDuration: time.Duration(cfg.Worker.LeaseDurationMs) * time.Millisecond,
		RetryBase:     time.Duration(cfg.Worker.RetryBaseMs) * time.Millisecond,
		RetryMax:      time.Duration(cfg.Worker.RetryMaxMs) * time.Millisecond,
	}
}

// Events exposes the router so deployments can attach subscribers.
func (g *Gantry) Events() *EventRouter { return g.events }

// Dispatchers exposes the registry so deployments can add protocol
// dispatchers beyond the built-in HTTP one.
func (g *Gantry) Dispatchers() *DispatcherRegistry { return g.dispatchers }

// Commands exposes the registry so deployments can add command handlers.
func (g *Gantry) Commands() *CommandRegistry { return g.commands }

// Manager returns the process manager for a kind, or nil.
func (g *Gantry) Manager(kind model.Kind) *ProcessManager { return g.managers[kind] }

// StartWorkers launches every process manager.
func (g *Gantry) StartWorkers(ctx context.Context) {
	for _, pm := range g.managers {
		pm.Start(ctx)
	}
}

// StopWorkers halts every process manager and waits for in-flight
// cycles to finish.
func (g *Gantry) StopWorkers() {
	for _, pm := range g.managers {
		pm.Stop()
	}
}

func (g *Gantry) publishStateChanged(e model.Stateful, from, to model.State) {
	g.events.Publish(newStateChanged(e, from, to))
}

// GetEntity retrieves any entity by id.
func (g *Gantry) GetEntity(ctx context.Context, id string) (model.Stateful, error) {
	return g.datasource.GetEntityByID(ctx, id)
}

// QueryEntities lists entities for the reporting surfaces.
func (g *Gantry) QueryEntities(ctx context.Context, criteria database.QueryCriteria) ([]model.Stateful, error) {
	return g.datasource.QueryEntities(ctx, criteria)
}
