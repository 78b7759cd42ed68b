package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abaumgartner/livegate/internal/liveness"
	"github.com/abaumgartner/livegate/internal/protocol"
	"github.com/abaumgartner/livegate/internal/speech"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the outbound
			// queue is saturated.
			s.log.WithField("session_id", sessionID).Warn("outbound queue full, dropping message")
		}
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for sess.Final() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientFrame:
			s.handleFrame(sess, msg, send)
		case protocol.ClientAudioChunk:
			s.handleAudio(sess, msg, send)
		case protocol.ClientControl:
			s.handleControl(sess, msg, send)
		}
	}

	if out := sess.Final(); out != nil {
		if _, err := s.registry.Remove(sess.ID); err == nil {
			s.Finalize(sess, out.Result)
		}
	}

	// Close instead of cancel so the writer drains the queued terminal
	// messages before the connection drops.
	close(outbound)
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleFrame(sess *liveness.Session, msg protocol.ClientFrame, send func(any)) {
	ann := msg.Annotations()
	started := time.Now()
	u := sess.ProcessFrame(msg.Frame(), ann, ann, started.UTC())
	s.metrics.ObserveFrameTick(time.Since(started))

	send(protocol.TickResult{
		Type:            protocol.TypeTickResult,
		SessionID:       sess.ID,
		Seq:             msg.Seq,
		ChallengeText:   u.Tick.Text,
		ActionDone:      u.Tick.ActionDone,
		WordDone:        u.Tick.WordDone,
		BlinkDone:       u.Tick.BlinkDone,
		Result:          string(u.Tick.Result),
		Attempt:         u.Attempt,
		AttemptsLeft:    u.AttemptsLeft,
		Retried:         u.Retried,
		TimeRemainingMs: u.Tick.TimeRemaining.Milliseconds(),
	})

	if u.Tick.Result.Terminal() {
		s.metrics.ChallengeOutcomes.WithLabelValues(string(u.Tick.Result)).Inc()
	}
	if u.Retried {
		send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sess.ID,
			Code:      "attempt_failed",
			Detail:    string(u.Tick.Result),
		})
	}
	if u.Final != nil {
		// The wire carries the requester-facing result only; a duress
		// failure must look like any other failure on the subject's
		// screen.
		send(protocol.SessionFinal{
			Type:      protocol.TypeSessionFinal,
			SessionID: sess.ID,
			Result:    string(u.Final.RequesterResult()),
			Attempts:  u.Final.Attempts,
			EndedTSMs: u.Final.EndedAt.UnixMilli(),
		})
	}
}

func (s *Server) handleAudio(sess *liveness.Session, msg protocol.ClientAudioChunk, send func(any)) {
	chunk := speech.AudioChunk{
		Transcript: msg.Transcript,
		At:         time.Now().UTC(),
	}
	if msg.PCM16Base64 != "" {
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      "invalid_audio",
				Retryable: true,
				Detail:    "pcm16_base64 is not valid base64",
			})
			return
		}
		chunk.PCM = pcm
	}
	if err := sess.ProcessAudio(chunk); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("audio chunk rejected")
	}
}

func (s *Server) handleControl(sess *liveness.Session, msg protocol.ClientControl, send func(any)) {
	switch msg.Action {
	case protocol.ControlRestart:
		sess.Restart(time.Now().UTC())
		send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sess.ID,
			Code:      "challenge_restarted",
		})
	default:
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "unknown_control",
			Retryable: false,
			Detail:    msg.Action,
		})
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientFrame:
		return m.Type, true
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TickResult:
		return m.Type, true
	case protocol.SessionFinal:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
