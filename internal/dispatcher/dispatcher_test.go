package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/fastpath"
	"github.com/titanrun/titan/internal/jsruntime"
)

type fakeWorker struct {
	acceptsTry bool
	got        []domain.RequestData
}

func (f *fakeWorker) TrySubmit(data domain.RequestData, reply chan jsruntime.Result) bool {
	if !f.acceptsTry {
		return false
	}
	f.got = append(f.got, data)
	reply <- jsruntime.Result{Value: "ok"}
	return true
}

func (f *fakeWorker) Submit(ctx context.Context, data domain.RequestData, reply chan jsruntime.Result) error {
	f.got = append(f.got, data)
	reply <- jsruntime.Result{Value: "ok-blocking"}
	return nil
}

func TestDispatchFastPathShortCircuits(t *testing.T) {
	reg := fastpath.Build(map[string]*domain.Action{
		"ping": {Name: "ping", Static: &domain.StaticResponse{Body: []byte("pong"), Status: 200}},
	})
	d := New(nil, reg)
	resp, res, err := d.Dispatch(context.Background(), domain.RequestData{ActionName: "ping"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, []byte("pong"), resp.Body)
	require.Nil(t, res.Value)
}

func TestDispatchWorkStealingFallsThroughToSecondWorker(t *testing.T) {
	reg := fastpath.Build(nil)
	w0 := &fakeWorker{acceptsTry: false}
	w1 := &fakeWorker{acceptsTry: true}
	d := New([]Worker{w0, w1}, reg)

	_, res, err := d.Dispatch(context.Background(), domain.RequestData{ActionName: "dyn"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Value)
	require.Len(t, w1.got, 1)
	require.Empty(t, w0.got)
}

func TestDispatchBlockingFallbackWhenAllQueuesFull(t *testing.T) {
	reg := fastpath.Build(nil)
	w0 := &fakeWorker{acceptsTry: false}
	d := New([]Worker{w0}, reg)

	_, res, err := d.Dispatch(context.Background(), domain.RequestData{ActionName: "dyn"})
	require.NoError(t, err)
	require.Equal(t, "ok-blocking", res.Value)
	require.Len(t, w0.got, 1)
}

func TestDispatchNoWorkersConfigured(t *testing.T) {
	reg := fastpath.Build(nil)
	d := New(nil, reg)
	_, _, err := d.Dispatch(context.Background(), domain.RequestData{ActionName: "dyn"})
	require.Error(t, err)
}
