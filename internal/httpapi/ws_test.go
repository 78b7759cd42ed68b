package httpapi

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abaumgartner/livegate/internal/protocol"
	"github.com/abaumgartner/livegate/internal/vision"
)

// testLandmarks builds a full landmark set. The outer eye corners sit at
// x=0 and x=100; noseX/noseY steer the pose, closed squeezes the eyes
// below any reasonable EAR threshold.
func testLandmarks(noseX, noseY float64, closed bool) []vision.Point {
	pts := make([]vision.Point, vision.LandmarkCount)
	dy := 5.0
	if closed {
		dy = 1.0
	}
	eye := func(x0 float64) []vision.Point {
		return []vision.Point{
			{X: x0, Y: 100}, {X: x0 + 10, Y: 100 - dy}, {X: x0 + 20, Y: 100 - dy},
			{X: x0 + 30, Y: 100}, {X: x0 + 20, Y: 100 + dy}, {X: x0 + 10, Y: 100 + dy},
		}
	}
	copy(pts[36:42], eye(0))
	copy(pts[42:48], eye(70))
	pts[30] = vision.Point{X: noseX, Y: noseY}
	return pts
}

func wsFrame(seq int, noseX, noseY float64, closed bool) protocol.ClientFrame {
	return protocol.ClientFrame{
		Type:      protocol.TypeClientFrame,
		Seq:       seq,
		Width:     640,
		Height:    480,
		TSMs:      time.Now().UnixMilli(),
		Face:      &protocol.FaceBox{X: 0, Y: 50, W: 100, H: 100},
		Landmarks: testLandmarks(noseX, noseY, closed),
	}
}

// poseFrame returns landmarks that satisfy the named action. The face
// box vertical center is y=100.
func poseFrame(seq int, action string) protocol.ClientFrame {
	switch action {
	case "Turn left":
		return wsFrame(seq, 90, 100, false)
	case "Turn right":
		return wsFrame(seq, 10, 100, false)
	case "Look up":
		return wsFrame(seq, 50, 80, false)
	case "Look down":
		return wsFrame(seq, 50, 140, false)
	default:
		return wsFrame(seq, 50, 100, false)
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dialWS(t *testing.T, baseURL, sessionID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/verify/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write message: %v", err)
	}
}

func (c *wsClient) sendFrame(f protocol.ClientFrame) {
	f.Seq = c.seq
	c.seq++
	c.send(f)
}

func (c *wsClient) sendTranscript(word string) {
	c.send(protocol.ClientAudioChunk{
		Type:       protocol.TypeClientAudioChunk,
		Transcript: word,
		TSMs:       time.Now().UnixMilli(),
	})
}

// readTick reads server messages until the next tick_result.
func (c *wsClient) readTick() protocol.TickResult {
	c.t.Helper()
	for {
		env, raw := c.readEnvelope()
		if env.Type != protocol.TypeTickResult {
			continue
		}
		var tick protocol.TickResult
		if err := json.Unmarshal(raw, &tick); err != nil {
			c.t.Fatalf("decode tick: %v", err)
		}
		return tick
	}
}

// readFinal reads server messages until the session_final message.
func (c *wsClient) readFinal() protocol.SessionFinal {
	c.t.Helper()
	for {
		env, raw := c.readEnvelope()
		if env.Type != protocol.TypeSessionFinal {
			continue
		}
		var final protocol.SessionFinal
		if err := json.Unmarshal(raw, &final); err != nil {
			c.t.Fatalf("decode session_final: %v", err)
		}
		return final
	}
}

func (c *wsClient) readEnvelope() (protocol.Envelope, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read message: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.t.Fatalf("decode envelope: %v", err)
	}
	return env, raw
}

func TestWebSocketVerificationPasses(t *testing.T) {
	_, ts, auditStore := testServer(t, "wspass")

	code := createPairing(t, ts.URL)
	sessionID := createSession(t, ts.URL, code)
	c := dialWS(t, ts.URL, sessionID)

	// First frame issues the challenge; the tick tells us what to do.
	c.sendFrame(wsFrame(0, 50, 100, false))
	tick := c.readTick()
	if tick.ChallengeText == "" || tick.Result != "pending" {
		t.Fatalf("first tick = %+v, want pending with text", tick)
	}
	action, keyword, ok := strings.Cut(tick.ChallengeText, " and say ")
	if !ok {
		t.Fatalf("challenge text %q has unexpected shape", tick.ChallengeText)
	}

	// Perform the action.
	if action == "Blink twice" {
		for blink := 0; blink < 2; blink++ {
			for i := 0; i < 2; i++ {
				c.sendFrame(wsFrame(0, 50, 100, true))
				c.readTick()
				time.Sleep(5 * time.Millisecond)
			}
			c.sendFrame(wsFrame(0, 50, 100, false))
			c.readTick()
			time.Sleep(5 * time.Millisecond)
		}
	} else {
		for i := 0; i < 2; i++ {
			c.sendFrame(poseFrame(0, action))
			c.readTick()
		}
	}

	// Say the word, then one more frame holding the action fuses both.
	// The terminal tick is followed by the session_final message.
	c.sendTranscript(keyword)
	time.Sleep(20 * time.Millisecond)
	if action == "Blink twice" {
		c.sendFrame(wsFrame(0, 50, 100, false))
	} else {
		c.sendFrame(poseFrame(0, action))
	}
	tick = c.readTick()
	if tick.Result != "pass" {
		t.Fatalf("terminal tick = %+v, want pass", tick)
	}
	final := c.readFinal()
	if final.Result != "pass" {
		t.Fatalf("final result = %q, want pass", final.Result)
	}

	// The outcome lands in the audit trail and on the pairing record.
	waitFor(t, time.Second, func() bool {
		records, _ := auditStore.ByCode(context.Background(), code, 1)
		return len(records) == 1 && string(records[0].Result) == "pass"
	})
}

func TestWebSocketDuressLooksLikePlainFailure(t *testing.T) {
	_, ts, auditStore := testServer(t, "wsduress")

	code := createPairing(t, ts.URL)
	sessionID := createSession(t, ts.URL, code)
	c := dialWS(t, ts.URL, sessionID)

	c.sendFrame(wsFrame(0, 50, 100, false))
	c.readTick()

	c.sendTranscript("verify")
	time.Sleep(20 * time.Millisecond)
	c.sendFrame(wsFrame(0, 50, 100, false))
	if tick := c.readTick(); tick.Result != "fail" {
		t.Fatalf("terminal tick = %+v, want fail", tick)
	}

	// The subject-facing message must not distinguish duress from fail.
	final := c.readFinal()
	if final.Result != "fail" {
		t.Fatalf("final result = %q, want fail", final.Result)
	}

	waitFor(t, time.Second, func() bool {
		records, _ := auditStore.ByCode(context.Background(), code, 1)
		return len(records) == 1 && records[0].Duress
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
