package irisfast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
)

func TestSendMessagePostsReplyWithHeaders(t *testing.T) {
	var (
		mu    sync.Mutex
		got   []ReplyRequest
		users []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/config" {
			_, _ = w.Write([]byte(`{"port":3000,"polling_speed":100,"message_rate":50,"web_server_endpoint":"http://bot/webhook"}`))
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/reply" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req ReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, req)
		users = append(users, r.Header.Get("X-User-Id"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastcall.WithHeaderProvider(HeaderSet("bot", "", "s1")))
	ctx := context.Background()
	if err := c.SendMessage(ctx, "room-1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := c.SendImage(ctx, "room-1", "aGVhdG1hcA=="); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	cfg, err := c.GetConfig(ctx)
	if err != nil || cfg.Port != 3000 || cfg.WebserverEndpoint != "http://bot/webhook" {
		t.Fatalf("GetConfig = %+v, %v", cfg, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Type != "text" || got[0].Data != "hello" || got[1].Type != "image" {
		t.Fatalf("unexpected replies: %+v", got)
	}
	if users[0] != "bot" {
		t.Fatalf("X-User-Id = %q", users[0])
	}
}

func TestSendMessageIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastcall.WithRetry(3))
	err := c.SendMessage(context.Background(), "r", "x")
	if !fastcall.IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("expected 502, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("reply must be sent once, got %d", calls)
	}
}

func TestMessageUserID(t *testing.T) {
	name := " alice "
	m := &Message{Sender: &name}
	if m.UserID() != "alice" || m.SenderName() != "alice" {
		t.Fatalf("sender fallback: %q", m.UserID())
	}
	m.JSON = &MessageJSON{UserID: "42"}
	if m.UserID() != "42" {
		t.Fatalf("json user id should win: %q", m.UserID())
	}
	var nilMsg *Message
	if nilMsg.UserID() != "" {
		t.Fatalf("nil message")
	}
}

func TestWebSocketDeliversAndWrites(t *testing.T) {
	frames := make(chan ReplyRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-Id") != "bot" {
			t.Errorf("handshake header missing")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		sender := "bob"
		if err := wsjson.Write(ctx, conn, Message{Msg: "!streak", Room: "room-9", Sender: &sender}); err != nil {
			return
		}
		var reply ReplyRequest
		if err := wsjson.Read(ctx, conn, &reply); err == nil {
			frames <- reply
		}
		// wait for the client's close frame
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ws := NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), 0, time.Millisecond)
	ws.SetHeaderProvider(HeaderSet("bot", "", ""))
	received := make(chan *Message, 1)
	ws.OnMessage(func(m *Message) { received <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = ws.Close(context.Background()) }()

	select {
	case m := <-received:
		if m.Msg != "!streak" || m.Room != "room-9" || m.UserID() != "bob" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-ctx.Done():
		t.Fatalf("no message delivered")
	}

	eg := NewEgress(ModeAuto, false, NewClient("http://127.0.0.1:1"), ws)
	if err := eg.SendText(ctx, "room-9", "pong"); err != nil {
		t.Fatalf("SendText over ws: %v", err)
	}
	select {
	case f := <-frames:
		if f.Type != "text" || f.Room != "room-9" || f.Data != "pong" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-ctx.Done():
		t.Fatalf("no frame written")
	}
}

func TestEgressWithoutSocketUsesHTTP(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ws := NewWebSocket("ws://127.0.0.1:1", 0, time.Millisecond)
	eg := NewEgress(ModeAuto, false, NewClient(srv.URL), ws)
	if err := eg.SendText(context.Background(), "r", "x"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected http fallback, hits=%d", hits)
	}

	if err := NewEgress(ModeWS, false, nil, ws).SendText(context.Background(), "r", "x"); err == nil {
		t.Fatalf("ws mode without a connection must fail")
	}
	if err := NewEgress(ModeHTTP, true, nil, nil).SendImage(context.Background(), "r", "x"); err != nil {
		t.Fatalf("dry run should swallow sends: %v", err)
	}
}
