package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func TestStateTransitions(t *testing.T) {
	c := New("ws://example.invalid", "craned-01", 7, 1, []byte("secret"), nil, nil)
	if c.State() != StateRegistering {
		t.Fatalf("expected initial state Registering, got %v", c.State())
	}
	c.setState(StateForwarding)
	if c.State() != StateForwarding {
		t.Fatalf("expected state Forwarding after transition, got %v", c.State())
	}
}

func TestRegisterSendsSignedToken(t *testing.T) {
	var upgrader websocket.Upgrader
	received := make(chan Frame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read frame: %v", err)
			return
		}
		received <- frame
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := New(wsURL, "craned-01", 42, 5, []byte("secret"), nil, nil)
	if err := c.register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	frame := <-received
	if frame.Type != FrameSupervisorRegister {
		t.Fatalf("expected SUPERVISOR_REGISTER frame, got %v", frame.Type)
	}
	if frame.Token == "" {
		t.Fatalf("expected a signed token in the register frame")
	}

	parsed, err := jwt.ParseWithClaims(frame.Token, &registrationClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("expected token to verify with the shared secret: %v", err)
	}
	claims := parsed.Claims.(*registrationClaims)
	if claims.CranedId != "craned-01" || claims.JobId != 42 || claims.StepId != 5 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestWaitAckRejectsUnexpectedFrame(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Frame{Type: FrameTaskOutput})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := New(wsURL, "craned-01", 1, 1, []byte("secret"), nil, nil)
	if err := c.waitAck(conn); err == nil {
		t.Fatalf("expected waitAck to reject a non-ack frame")
	}
}
