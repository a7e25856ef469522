package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"holdline/internal/config"
	"holdline/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type received struct {
	event  string
	secret string
	body   notify.Event
}

type receiver struct {
	mu   sync.Mutex
	got  []received
	fail bool
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var evt notify.Event
	_ = json.NewDecoder(req.Body).Decode(&evt)
	r.mu.Lock()
	r.got = append(r.got, received{
		event:  req.Header.Get("X-Holdline-Event"),
		secret: req.Header.Get("X-Holdline-Secret"),
		body:   evt,
	})
	fail := r.fail
	r.mu.Unlock()
	if fail {
		http.Error(w, "nope", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func noKeepAlive() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func (r *receiver) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	all := &receiver{}
	srvAll := httptest.NewServer(all)
	defer srvAll.Close()
	expiries := &receiver{}
	srvExp := httptest.NewServer(expiries)
	defer srvExp.Close()
	disabled := false

	reg := prometheus.NewRegistry()
	w := notify.NewWebhook([]config.WebhookConfig{
		{URL: srvAll.URL, Secret: "s3cret"},
		{URL: srvExp.URL, Events: []string{notify.EventExpired}},
		{URL: srvAll.URL, Enabled: &disabled},
	}, notify.WebhookOptions{Registerer: reg, Client: noKeepAlive()})

	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w.Notify(ctx, notify.NewEvent(notify.EventCommitted, "r1", "alice", at, nil))
	w.Notify(ctx, notify.NewEvent(notify.EventExpired, "r1", "alice", at, map[string]any{"threshold": "72h"}))
	w.Close()

	got := all.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, notify.EventCommitted, got[0].event)
	assert.Equal(t, "s3cret", got[0].secret)
	assert.Equal(t, "r1", got[0].body.ResourceID)
	assert.Equal(t, notify.EventExpired, got[1].event)

	exp := expiries.snapshot()
	require.Len(t, exp, 1)
	assert.Equal(t, notify.EventExpired, exp[0].event)
	assert.Empty(t, exp[0].secret)
	assert.Equal(t, "72h", exp[0].body.Payload["threshold"])

	assert.Equal(t, 3.0, testutil.ToFloat64(w.Deliveries().WithLabelValues("delivered")))
}

func TestWebhookFailureIsCountedNotPropagated(t *testing.T) {
	rcv := &receiver{fail: true}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	w := notify.NewWebhook([]config.WebhookConfig{{URL: srv.URL}}, notify.WebhookOptions{Client: noKeepAlive()})
	w.Notify(context.Background(), notify.NewEvent(notify.EventCancelled, "r1", "alice", time.Now(), nil))
	w.Close()

	require.Len(t, rcv.snapshot(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(w.Deliveries().WithLabelValues("failed")))
}

func TestWebhookNotifyAfterCloseIsIgnored(t *testing.T) {
	w := notify.NewWebhook(nil, notify.WebhookOptions{QueueSize: 1})
	w.Close()
	w.Close()
	w.Notify(context.Background(), notify.NewEvent(notify.EventCommitted, "r1", "alice", time.Now(), nil))
}

func TestLogAndMulti(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var seen []string
	n := notify.Multi{
		notify.Log{Logger: logger},
		notify.Nop{},
		notifyFunc(func(_ context.Context, evt notify.Event) { seen = append(seen, evt.Type) }),
	}
	n.Notify(context.Background(), notify.NewEvent(notify.EventDepositSecured, "r1", "alice", time.Now(), map[string]any{"amount": "5000"}))

	assert.Equal(t, []string{notify.EventDepositSecured}, seen)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, notify.EventDepositSecured, line["event"])
	assert.Equal(t, "5000", line["amount"])
}

type notifyFunc func(context.Context, notify.Event)

func (f notifyFunc) Notify(ctx context.Context, evt notify.Event) { f(ctx, evt) }
