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
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/apierror"
)

type stubMessage struct {
	protocol string
	address  string
	msgType  string
}

func (m stubMessage) Protocol() string            { return m.protocol }
func (m stubMessage) CounterPartyAddress() string { return m.address }
func (m stubMessage) MessageType() string         { return m.msgType }

type stubDispatcher struct {
	protocol string
	result   DispatchResult
	calls    int
}

func (d *stubDispatcher) Protocol() string { return d.protocol }

func (d *stubDispatcher) Dispatch(ctx context.Context, msg RemoteMessage) *Future {
	d.calls++
	return CompletedFuture(d.result)
}

func TestDispatcherRegistryRoutesByProtocol(t *testing.T) {
	reg := NewDispatcherRegistry()
	d := &stubDispatcher{protocol: "dataspace-http", result: DispatchResult{Status: StatusOK}}
	reg.Register(d)

	future := reg.Dispatch(context.Background(), stubMessage{protocol: "dataspace-http", msgType: "contract-request"})
	res, err := future.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, d.calls)
}

func TestDispatcherRegistryReplacesOnReRegister(t *testing.T) {
	reg := NewDispatcherRegistry()
	first := &stubDispatcher{protocol: "dataspace-http", result: DispatchResult{Status: StatusFatalError}}
	second := &stubDispatcher{protocol: "dataspace-http", result: DispatchResult{Status: StatusOK}}
	reg.Register(first)
	reg.Register(second)

	res, err := reg.Dispatch(context.Background(), stubMessage{protocol: "dataspace-http", msgType: "x"}).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 0, first.calls, "the replaced dispatcher must not be called")
	assert.Equal(t, 1, second.calls)
}

func TestDispatcherRegistryNoDispatcher(t *testing.T) {
	reg := NewDispatcherRegistry()
	reg.Register(&stubDispatcher{protocol: "dataspace-http"})

	for _, protocol := range []string{"", "dataspace-grpc"} {
		res, err := reg.Dispatch(context.Background(), stubMessage{protocol: protocol, msgType: "contract-request"}).Result(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFatalError, res.Status)
		assert.True(t, apierror.Is(res.Err, apierror.ErrNoDispatcher), "protocol %q must fail with NO_DISPATCHER", protocol)
	}
}

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture()
	f.Complete(DispatchResult{Status: StatusOK})
	f.Complete(DispatchResult{Status: StatusFatalError, Err: errors.New("too late")})

	res, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status, "only the first completion wins")
	assert.NoError(t, res.Err)
}

func TestFutureResultHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newMockedHTTPDispatcher(t *testing.T) *HTTPDispatcher {
	t.Helper()
	d := NewHTTPDispatcher(2, map[string]string{"Authorization": "Bearer test-token"})
	httpmock.ActivateNonDefault(d.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return d
}

func TestHTTPDispatcherSuccess(t *testing.T) {
	d := newMockedHTTPDispatcher(t)

	httpmock.RegisterResponder(http.MethodPost, "https://peer.example.com/api/contract-request",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "contract-request", req.Header.Get("X-Message-Type"))
			assert.Equal(t, "Bearer test-token", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"ok":true}`), nil
		})

	msg := stubMessage{protocol: ProtocolDataspaceHTTP, address: "https://peer.example.com/api/", msgType: "contract-request"}
	res, err := d.Dispatch(context.Background(), msg).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, `{"ok":true}`, string(res.Body))
}

func TestHTTPDispatcherRejectionIsFatal(t *testing.T) {
	d := newMockedHTTPDispatcher(t)

	httpmock.RegisterResponder(http.MethodPost, "https://peer.example.com/api/contract-request",
		httpmock.NewStringResponder(http.StatusConflict, "negotiation already finalized"))

	msg := stubMessage{protocol: ProtocolDataspaceHTTP, address: "https://peer.example.com/api", msgType: "contract-request"}
	res, err := d.Dispatch(context.Background(), msg).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFatalError, res.Status)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "a rejection must not be retried")
}

func TestHTTPDispatcherServerErrorRetries(t *testing.T) {
	d := newMockedHTTPDispatcher(t)

	httpmock.RegisterResponder(http.MethodPost, "https://peer.example.com/api/transfer-start",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	msg := stubMessage{protocol: ProtocolDataspaceHTTP, address: "https://peer.example.com/api", msgType: "transfer-start"}
	res, err := d.Dispatch(context.Background(), msg).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRetryError, res.Status)
	assert.Error(t, res.Err)
	assert.Equal(t, 3, httpmock.GetTotalCallCount(), "initial attempt plus two retries")
}

func TestHTTPDispatcherRecoversMidway(t *testing.T) {
	d := newMockedHTTPDispatcher(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, "https://peer.example.com/api/transfer-start",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "warming up"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "started"), nil
		})

	msg := stubMessage{protocol: ProtocolDataspaceHTTP, address: "https://peer.example.com/api", msgType: "transfer-start"}
	res, err := d.Dispatch(context.Background(), msg).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 2, calls)
}
