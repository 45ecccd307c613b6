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
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ProtocolDataspaceHTTP is the protocol tag of the built-in HTTP
// dispatcher.
const ProtocolDataspaceHTTP = "dataspace-http"

// HTTPDispatcher delivers remote messages as JSON POSTs to the
// counterparty's endpoint. Transport failures and 5xx responses are
// retried with exponential backoff inside the dispatch attempt; a 4xx
// response is a fatal protocol error and fails the future immediately.
type HTTPDispatcher struct {
	client      *http.Client
	maxAttempts uint64
	headers     map[string]string
}

// NewHTTPDispatcher creates a dispatcher with the given in-attempt retry
// budget. Extra headers, e.g. authorization, are sent with every request.
func NewHTTPDispatcher(maxAttempts int, headers map[string]string) *HTTPDispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &HTTPDispatcher{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxAttempts: uint64(maxAttempts),
		headers:     headers,
	}
}

func (d *HTTPDispatcher) Protocol() string { return ProtocolDataspaceHTTP }

// Dispatch sends msg on a background goroutine and resolves the returned
// future with the classified outcome.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg RemoteMessage) *Future {
	future := NewFuture()
	go func() {
		future.Complete(d.send(ctx, msg))
	}()
	return future
}

func (d *HTTPDispatcher) send(ctx context.Context, msg RemoteMessage) DispatchResult {
	payload, err := json.Marshal(msg)
	if err != nil {
		return DispatchResult{Status: StatusFatalError, Err: errors.Wrap(err, "failed to marshal remote message")}
	}

	url := messageURL(msg)
	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to build request"))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Message-Type", msg.MessageType())
		for k, v := range d.headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "failed to reach counterparty")
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to read counterparty response")
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("counterparty rejected %s: status %d", msg.MessageType(), resp.StatusCode))
		default:
			return fmt.Errorf("counterparty failed %s: status %d", msg.MessageType(), resp.StatusCode)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxAttempts), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			logrus.Warnf("fatal dispatch of %s to %s: %v", msg.MessageType(), url, err)
			return DispatchResult{Status: StatusFatalError, Body: body, Err: err}
		}
		logrus.Warnf("retryable dispatch failure of %s to %s: %v", msg.MessageType(), url, err)
		return DispatchResult{Status: StatusRetryError, Body: body, Err: err}
	}
	return DispatchResult{Status: StatusOK, Body: body}
}

// messageURL derives the endpoint path from the message type, e.g. a
// "transfer-request" aimed at https://peer/api becomes
// https://peer/api/transfer-request.
func messageURL(msg RemoteMessage) string {
	base := strings.TrimRight(msg.CounterPartyAddress(), "/")
	return fmt.Sprintf("%s/%s", base, msg.MessageType())
}
