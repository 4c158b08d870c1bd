package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/lagless/router"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	codec    *Codec
	payloads [][]byte
	replies  []func() (*WriteResponse, error)
}

func (f *fakeTransport) call(_ context.Context, _ string, payload []byte) (*nats.Msg, error) {
	f.payloads = append(f.payloads, payload)
	next := f.replies[0]
	f.replies = f.replies[1:]

	resp, err := next()
	if err != nil {
		return nil, err
	}
	data, err := f.codec.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Data: data}, nil
}

func reply(resp *WriteResponse) func() (*WriteResponse, error) {
	return func() (*WriteResponse, error) { return resp, nil }
}

func fail(err error) func() (*WriteResponse, error) {
	return func() (*WriteResponse, error) { return nil, err }
}

func testClient(t *testing.T, replies ...func() (*WriteResponse, error)) (*Client, *fakeTransport) {
	t.Helper()
	c, err := NewClient(nil, ClientConfig{NodeID: 3})
	require.NoError(t, err)

	ft := &fakeTransport{codec: c.codec, replies: replies}
	c.request = ft.call
	return c, ft
}

func TestClient_LostReplyRetriedWithSameRequestID(t *testing.T) {
	c, ft := testClient(t,
		fail(nats.ErrTimeout),
		reply(&WriteResponse{Success: true, RowsAffected: 1, Position: 42}),
	)

	op := router.Operation{Name: "users.create", SQL: "INSERT INTO users(name) VALUES(?)", Args: []any{"jane"}}
	res, pos, err := c.ExecuteRemote(context.Background(), "syd", op)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)
	assert.EqualValues(t, 42, pos)

	require.Len(t, ft.payloads, 2)
	assert.Equal(t, ft.payloads[0], ft.payloads[1], "retry must re-send the identical request")

	var first, second WriteRequest
	require.NoError(t, c.codec.Unmarshal(ft.payloads[0], &first))
	require.NoError(t, c.codec.Unmarshal(ft.payloads[1], &second))
	assert.Equal(t, first.RequestID, second.RequestID, "dedup key must survive the retry")
}

func TestClient_DistinctWritesGetDistinctRequestIDs(t *testing.T) {
	c, ft := testClient(t,
		reply(&WriteResponse{Success: true}),
		reply(&WriteResponse{Success: true}),
	)

	op := router.Operation{Name: "users.create", SQL: "INSERT INTO users(name) VALUES(?)"}
	_, _, err := c.ExecuteRemote(context.Background(), "syd", op)
	require.NoError(t, err)
	_, _, err = c.ExecuteRemote(context.Background(), "syd", op)
	require.NoError(t, err)

	var first, second WriteRequest
	require.NoError(t, c.codec.Unmarshal(ft.payloads[0], &first))
	require.NoError(t, c.codec.Unmarshal(ft.payloads[1], &second))
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestClient_RemoteFailureIsFinal(t *testing.T) {
	c, ft := testClient(t,
		reply(&WriteResponse{Success: false, Error: "no such table: users"}),
	)

	_, _, err := c.ExecuteRemote(context.Background(), "syd", router.Operation{Name: "bad", SQL: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
	assert.Len(t, ft.payloads, 1, "a failure reported by the primary must not be re-sent")
}

func TestClient_NonRetryableTransportErrorIsFinal(t *testing.T) {
	boom := errors.New("permissions violation")
	c, ft := testClient(t, fail(boom))

	_, _, err := c.ExecuteRemote(context.Background(), "syd", router.Operation{Name: "op", SQL: "x"})
	require.ErrorIs(t, err, boom)
	assert.Len(t, ft.payloads, 1)
}

func TestClient_AttemptsExhausted(t *testing.T) {
	c, ft := testClient(t,
		fail(nats.ErrTimeout),
		fail(nats.ErrTimeout),
		fail(nats.ErrTimeout),
	)

	_, _, err := c.ExecuteRemote(context.Background(), "syd", router.Operation{Name: "op", SQL: "x"})
	require.ErrorIs(t, err, nats.ErrTimeout)
	assert.Len(t, ft.payloads, DefaultMaxAttempts)
}

func TestClient_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, ft := testClient(t, func() (*WriteResponse, error) {
		cancel()
		return nil, nats.ErrTimeout
	})

	_, _, err := c.ExecuteRemote(ctx, "syd", router.Operation{Name: "op", SQL: "x"})
	require.Error(t, err)
	assert.Len(t, ft.payloads, 1)
}
