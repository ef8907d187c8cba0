// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/internal/models"
)

// wsClient is a realtime client for flow tests.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial connects to the server's realtime endpoint with a credential.
func (ts *testServer) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := strings.Replace(ts.srv.URL, "http://", "ws://", 1) + "/ws?token=" + token

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// dialExpectRejection asserts the handshake is refused with 401.
func (ts *testServer) dialExpectRejection(t *testing.T, token string) {
	t.Helper()
	url := strings.Replace(ts.srv.URL, "http://", "ws://", 1) + "/ws?token=" + token

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake should have been rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake rejection response = %+v, want 401", resp)
	}
	resp.Body.Close()
}

func (c *wsClient) send(eventType string, payload interface{}) {
	c.t.Helper()
	data, err := json.Marshal(models.OutEnvelope{Type: eventType, Data: payload})
	if err != nil {
		c.t.Fatalf("marshal event: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write event: %v", err)
	}
}

// recv reads the next frame within the deadline.
func (c *wsClient) recv() models.Envelope {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("decode frame %s: %v", data, err)
	}
	return env
}

// recvAck reads the next frame and asserts it is an ack.
func (c *wsClient) recvAck() models.Ack {
	c.t.Helper()
	env := c.recv()
	if env.Type != models.EventAck {
		c.t.Fatalf("frame type = %q, want ack", env.Type)
	}
	var ack models.Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	return ack
}

// expectSilence asserts no frame arrives within the window.
func (c *wsClient) expectSilence(window time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected frame: %s", data)
	}
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	ts := newTestServer(t)
	ts.dialExpectRejection(t, "not-a-token")
	ts.dialExpectRejection(t, "")
}

func TestPingPongOverWire(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, ts.token(t, models.RoleUser, "alice"))

	client.send(models.EventPing, nil)
	env := client.recv()
	if env.Type != models.EventPong {
		t.Errorf("frame type = %q, want pong", env.Type)
	}
}

// TestPermissionAndRelayFlow walks the whole consent-then-relay path over
// real websocket connections: a viewer asks, the device sees the request
// and grants, the viewer is notified, and the next position report reaches
// exactly the granted viewer.
func TestPermissionAndRelayFlow(t *testing.T) {
	ts := newTestServer(t)

	device := ts.dial(t, ts.token(t, models.RoleDevice, "car-1"))
	alice := ts.dial(t, ts.token(t, models.RoleUser, "alice"))
	bob := ts.dial(t, ts.token(t, models.RoleUser, "bob"))

	// Alice asks to view car-1.
	alice.send(models.EventLocationRequest, models.LocationRequest{VehicleID: "car-1"})
	if ack := alice.recvAck(); !ack.OK {
		t.Fatalf("location request ack = %+v", ack)
	}

	// The device sees the pending request.
	env := device.recv()
	if env.Type != models.EventPermissionRequest {
		t.Fatalf("device frame = %q, want %q", env.Type, models.EventPermissionRequest)
	}
	var reqPush models.PermissionRequestPush
	if err := json.Unmarshal(env.Data, &reqPush); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if reqPush.UserID != "alice" || reqPush.VehicleID != "car-1" {
		t.Fatalf("push = %+v", reqPush)
	}

	// The device grants; alice is notified.
	device.send(models.EventPermissionGranted, models.PermissionGrant{UserID: "alice"})
	if ack := device.recvAck(); !ack.OK {
		t.Fatalf("grant ack = %+v", ack)
	}

	env = alice.recv()
	if env.Type != models.EventPermissionGranted {
		t.Fatalf("alice frame = %q, want %q", env.Type, models.EventPermissionGranted)
	}

	// The device reports a position. Alice gets it; bob does not.
	before := time.Now().UnixMilli()
	device.send(models.EventLocationUpdate, models.LocationUpdate{Lat: 52.37, Lng: 4.89, Speed: 14})
	if ack := device.recvAck(); !ack.OK {
		t.Fatalf("report ack = %+v", ack)
	}

	env = alice.recv()
	if env.Type != models.EventLocationLive {
		t.Fatalf("alice frame = %q, want %q", env.Type, models.EventLocationLive)
	}
	var live models.PositionReport
	if err := json.Unmarshal(env.Data, &live); err != nil {
		t.Fatalf("decode live position: %v", err)
	}
	if live.VehicleID != "car-1" || live.Lat != 52.37 {
		t.Errorf("live position = %+v", live)
	}
	if live.Timestamp < before {
		t.Errorf("timestamp %d not server-stamped (before %d)", live.Timestamp, before)
	}

	bob.expectSilence(200 * time.Millisecond)
}

func TestRoleViolationOverWire(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, ts.token(t, models.RoleUser, "alice"))

	// A user reporting a position is refused but stays connected.
	alice.send(models.EventLocationUpdate, models.LocationUpdate{VehicleID: "car-1", Lat: 1, Lng: 2})
	ack := alice.recvAck()
	if ack.OK || ack.Code != models.CodeRoleViolation {
		t.Fatalf("ack = %+v, want ROLE_VIOLATION", ack)
	}

	alice.send(models.EventPing, nil)
	if env := alice.recv(); env.Type != models.EventPong {
		t.Errorf("connection should survive a rejected event, got %q", env.Type)
	}
}

func TestMalformedFrameOverWire(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, ts.token(t, models.RoleUser, "alice"))

	if err := client.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := client.recvAck()
	if ack.OK || ack.Code != models.CodeBadRequest {
		t.Errorf("ack = %+v, want BAD_REQUEST", ack)
	}
}
