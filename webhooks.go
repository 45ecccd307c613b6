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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/config"
	redlock "github.com/gantryio/gantry/internal/lock"
	"github.com/gantryio/gantry/internal/notification"
	"github.com/gantryio/gantry/internal/request"
	"github.com/gantryio/gantry/model"
)

// WebhookDelivery is one outbound notification about a committed state
// change, queued for the webhook workers.
type WebhookDelivery struct {
	DeliveryID string            `json:"delivery_id"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Event      StateChanged      `json:"event"`
	CreatedAt  time.Time         `json:"created_at"`
}

// subscribeWebhookEvents attaches the webhook subscriber when a webhook
// URL is configured. Each state change becomes one queued delivery; the
// queue, not the subscriber, owns retries.
func (g *Gantry) subscribeWebhookEvents() {
	cfg, err := config.Fetch()
	if err != nil || cfg.Notification.Webhook.Url == "" {
		return
	}

	g.events.Subscribe("webhook", func(event StateChanged) {
		delivery := WebhookDelivery{
			DeliveryID: model.GenerateUUIDWithSuffix("whk"),
			URL:        cfg.Notification.Webhook.Url,
			Headers:    cfg.Notification.Webhook.Headers,
			Event:      event,
			CreatedAt:  time.Now(),
		}
		if err := g.queue.EnqueueWebhook(delivery); err != nil {
			logrus.Errorf("failed to enqueue webhook for %s: %v", event.EntityID, err)
			notification.NotifyError(err)
		}
	})
}

// ProcessWebhook is the asynq handler that posts one delivery to the
// configured endpoint. A short redis lock keyed by delivery id keeps
// concurrent queue consumers from double-posting; transport failures and
// 5xx responses are retried with exponential backoff before the task is
// handed back to asynq.
func (g *Gantry) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var delivery WebhookDelivery
	if err := json.Unmarshal(task.Payload(), &delivery); err != nil {
		notification.NotifyError(err)
		return err
	}

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	locker := redlock.NewDeliveryLocker(g.redis, delivery.DeliveryID, cfg.Worker.WorkerID)
	if err := locker.Lock(ctx, 1*time.Minute); err != nil {
		logrus.Infof("webhook delivery %s already in flight: %v", delivery.DeliveryID, err)
		return nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to unlock delivery %s: %v", delivery.DeliveryID, err)
		}
	}()

	operation := func() error {
		return postWebhook(delivery)
	}
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.Worker.MaxRetryAttempts))); err != nil {
		logrus.Errorf("webhook delivery %s failed: %v", delivery.DeliveryID, err)
		notification.NotifyError(err)
		return err
	}
	return nil
}

func postWebhook(delivery WebhookDelivery) error {
	payload, err := request.ToJsonReq(&delivery)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequest("POST", delivery.URL, payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("X-Delivery-Id", delivery.DeliveryID)
	for k, v := range delivery.Headers {
		req.Header.Set(k, v)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The endpoint rejected the payload; retrying will not help.
		return backoff.Permanent(fmt.Errorf("webhook endpoint rejected delivery %s: status %d", delivery.DeliveryID, resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint failed delivery %s: status %d", delivery.DeliveryID, resp.StatusCode)
	}
	return nil
}
