package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valetbot/valet/internal/config"
)

type stubDriver struct {
	sentTexts []*SendTextPayload

	// when set, SendText blocks until the gate closes
	sendGate chan struct{}
}

func (d *stubDriver) SendText(ctx context.Context, p *SendTextPayload) (string, error) {
	if d.sendGate != nil {
		<-d.sendGate
	}
	d.sentTexts = append(d.sentTexts, p)
	return "WAMID-1", nil
}
func (d *stubDriver) SendMedia(ctx context.Context, p *SendMediaPayload) (string, error) {
	return "", nil
}
func (d *stubDriver) SendPoll(ctx context.Context, p *SendPollPayload) (string, error) {
	return "", nil
}
func (d *stubDriver) React(ctx context.Context, p *ReactPayload) error          { return nil }
func (d *stubDriver) PresenceUpdate(ctx context.Context, p *PresencePayload) error { return nil }
func (d *stubDriver) ListGroups(ctx context.Context, ids []string) ([]GroupEntry, error) {
	return []GroupEntry{{JID: "1@g.us", Name: "Family"}}, nil
}
func (d *stubDriver) LoginStart(ctx context.Context, force bool, timeout time.Duration) (map[string]any, error) {
	return map[string]any{"loggedIn": true}, nil
}
func (d *stubDriver) LoginWait(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	return map[string]any{"loggedIn": true}, nil
}
func (d *stubDriver) Logout(ctx context.Context) error { return nil }
func (d *stubDriver) Health() (map[string]any, map[string]any) {
	return map[string]any{"connected": true}, map[string]any{"dedupeCacheSize": 0}
}
func (d *stubDriver) AccountID() string { return "15551234567" }

func newTestServer(t *testing.T) (*Server, *stubDriver, *websocket.Conn) {
	t.Helper()
	driver := &stubDriver{}
	srv, err := NewServer(config.BridgeConfig{Host: "127.0.0.1", Port: 0, Token: "secret"}, driver)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, driver, conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd Command) Event {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(resp, &evt); err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestServerRejectsEmptyToken(t *testing.T) {
	if _, err := NewServer(config.BridgeConfig{Host: "127.0.0.1", Port: 1}, &stubDriver{}); err == nil {
		t.Fatal("server accepted empty token")
	}
}

func TestServerRejectsNonLoopbackHost(t *testing.T) {
	if _, err := NewServer(config.BridgeConfig{Host: "0.0.0.0", Port: 1, Token: "x"}, &stubDriver{}); err == nil {
		t.Fatal("server accepted non-loopback host")
	}
}

func TestDispatchSendText(t *testing.T) {
	_, driver, conn := newTestServer(t)

	evt := sendCommand(t, conn, Command{
		Version:   ProtocolVersion,
		Type:      CmdSendText,
		Token:     "secret",
		RequestID: "r-1",
		Payload:   json.RawMessage(`{"to":"31612345678","text":"hello"}`),
	})
	if evt.Type != EvtResponse {
		t.Fatalf("event type = %s, want response: %+v", evt.Type, evt)
	}
	if evt.RequestID != "r-1" {
		t.Errorf("requestId = %q", evt.RequestID)
	}
	result := evt.Payload.(map[string]any)
	if result["messageId"] != "WAMID-1" {
		t.Errorf("messageId = %v", result["messageId"])
	}
	if len(driver.sentTexts) != 1 || driver.sentTexts[0].Text != "hello" {
		t.Errorf("driver calls = %+v", driver.sentTexts)
	}
}

func TestWrongProtocolVersionRejected(t *testing.T) {
	_, _, conn := newTestServer(t)

	evt := sendCommand(t, conn, Command{
		Version: 1,
		Type:    CmdHealth,
		Token:   "secret",
	})
	if evt.Type != EvtError {
		t.Fatalf("event type = %s, want error", evt.Type)
	}
	p := evt.Payload.(map[string]any)
	if p["code"] != ErrProtocolVersion {
		t.Errorf("code = %v", p["code"])
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	_, _, conn := newTestServer(t)

	evt := sendCommand(t, conn, Command{
		Version: ProtocolVersion,
		Type:    CmdHealth,
		Token:   "wrong",
	})
	if evt.Type != EvtError || evt.Payload.(map[string]any)["code"] != ErrAuth {
		t.Fatalf("expected auth error, got %+v", evt)
	}

	// socket must be closed after the auth failure
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after auth failure")
	}
}

func TestUnknownCommandTypeUnsupported(t *testing.T) {
	_, _, conn := newTestServer(t)

	evt := sendCommand(t, conn, Command{
		Version: ProtocolVersion,
		Type:    "send_location",
		Token:   "secret",
	})
	if evt.Type != EvtError || evt.Payload.(map[string]any)["code"] != ErrUnsupported {
		t.Fatalf("expected ERR_UNSUPPORTED, got %+v", evt)
	}
}

func TestLateDispatchAfterDisconnect(t *testing.T) {
	srv, driver, conn := newTestServer(t)
	driver.sendGate = make(chan struct{})

	data, err := json.Marshal(Command{
		Version:   ProtocolVersion,
		Type:      CmdSendText,
		Token:     "secret",
		RequestID: "r-late",
		Payload:   json.RawMessage(`{"to":"31612345678","text":"late reply"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	// wait for the command to be in flight, then drop the socket under it
	deadline := time.Now().Add(5 * time.Second)
	for srv.inflight.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never reached dispatch")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	// the dispatch goroutine completes after teardown; its response enqueue
	// must be a quiet no-op, not a crash
	close(driver.sendGate)
	for srv.inflight.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch never completed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(driver.sentTexts) != 1 {
		t.Fatalf("driver calls = %d, want 1", len(driver.sentTexts))
	}
}

func TestHealthShape(t *testing.T) {
	_, _, conn := newTestServer(t)

	evt := sendCommand(t, conn, Command{
		Version: ProtocolVersion,
		Type:    CmdHealth,
		Token:   "secret",
	})
	if evt.Type != EvtResponse {
		t.Fatalf("event type = %s", evt.Type)
	}
	p := evt.Payload.(map[string]any)
	for _, key := range []string{"protocolVersion", "bridgeVersion", "accountId", "whatsapp", "queue", "dedupe"} {
		if _, ok := p[key]; !ok {
			t.Errorf("health payload missing %q", key)
		}
	}
}
