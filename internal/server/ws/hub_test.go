package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/server/middleware"
)

type fakeBus struct {
	mu         sync.Mutex
	chans      map[string]chan []byte
	subscribed chan string
}

func newFakeBus() *fakeBus {
	return &fakeBus{chans: make(map[string]chan []byte), subscribed: make(chan string, 4)}
}

func (b *fakeBus) ch(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chans[name]
	if !ok {
		c = make(chan []byte, 16)
		b.chans[name] = c
	}
	return c
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if strings.HasPrefix(channel, domain.ChannelNotifyPrefix) {
		channel = domain.ChannelNotifyPrefix + "*"
	}
	b.ch(channel) <- payload
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	c := b.ch(channel)
	b.subscribed <- channel
	return c, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeDirectory struct {
	mu  sync.Mutex
	ids []string
}

func (d *fakeDirectory) set(ids ...string) {
	d.mu.Lock()
	d.ids = ids
	d.mu.Unlock()
}

func (d *fakeDirectory) ListEligible(_ context.Context, exclude string, _ decimal.Decimal) ([]domain.MerchantView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.MerchantView
	for _, id := range d.ids {
		if id != exclude {
			out = append(out, domain.MerchantView{UserID: id, Online: true})
		}
	}
	return out, nil
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func merchantIDs(t *testing.T, f frame) []string {
	t.Helper()
	var views []struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &views))
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.UserID)
	}
	return ids
}

type harness struct {
	bus    *fakeBus
	dir    *fakeDirectory
	srv    *httptest.Server
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := newFakeBus()
	dir := &fakeDirectory{ids: []string{"alice", "mia", "mike"}}
	hub := NewHub(bus, dir, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-bus.subscribed:
		case <-time.After(2 * time.Second):
			t.Fatal("hub did not subscribe")
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.URL.Query().Get("user"); user != "" {
			r = r.WithContext(middleware.WithActor(r.Context(), domain.UserActor(user)))
		}
		hub.HandleWS(w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{bus: bus, dir: dir, srv: srv, cancel: cancel}
}

func (h *harness) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHubSnapshotExcludesSelf(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice")

	f := readFrame(t, conn)
	assert.Equal(t, "merchants", f.Type)
	assert.Equal(t, []string{"mia", "mike"}, merchantIDs(t, f))
}

func TestHubRoutesNotificationsToOwner(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	readFrame(t, alice)
	readFrame(t, bob)

	ctx := context.Background()
	require.NoError(t, h.bus.Publish(ctx, domain.ChannelNotifyPrefix+"bob",
		[]byte(`{"id":"n-1","user_id":"bob","type":"trade_request","title":"New trade request"}`)))

	f := readFrame(t, bob)
	require.Equal(t, "notification", f.Type)
	var note struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &note))
	assert.Equal(t, "n-1", note.ID)
	assert.Equal(t, "trade_request", note.Type)

	// Alice's next frame is the directory refresh, not bob's notification.
	h.dir.set("alice", "mia")
	require.NoError(t, h.bus.Publish(ctx, domain.ChannelMerchantsChanged, []byte("mia")))
	f = readFrame(t, alice)
	assert.Equal(t, "merchants", f.Type)
	assert.Equal(t, []string{"mia"}, merchantIDs(t, f))

	f = readFrame(t, bob)
	assert.Equal(t, "merchants", f.Type)
	assert.Equal(t, []string{"alice", "mia"}, merchantIDs(t, f))
}

func TestHubUnsubscribe(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "topics": []string{TopicMerchants}}))
	// Give the read pump a moment to apply the change.
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.bus.Publish(ctx, domain.ChannelMerchantsChanged, nil))
	require.NoError(t, h.bus.Publish(ctx, domain.ChannelNotifyPrefix+"alice",
		[]byte(`{"id":"n-2","user_id":"alice","type":"trade_expired"}`)))

	f := readFrame(t, conn)
	assert.Equal(t, "notification", f.Type)
}

func TestHandleWSRequiresActor(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
