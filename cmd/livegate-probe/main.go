// Command livegate-probe is a synthetic verifier client: it creates a
// pairing code, opens a verification session and drives the announced
// challenge with generated landmarks and transcripts. Useful as a smoke
// test against a running livegated.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abaumgartner/livegate/internal/protocol"
	"github.com/abaumgartner/livegate/internal/vision"
)

type options struct {
	baseURL  string
	sayWord  string
	frameGap time.Duration
	timeout  time.Duration
	verbose  bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livegate-probe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "livegate-probe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var frameGapMS, timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "livegated base URL")
	flag.StringVar(&cfg.sayWord, "say", "", "override the spoken word (default: the challenge keyword)")
	flag.IntVar(&frameGapMS, "frame-gap-ms", 100, "delay between synthetic frames in milliseconds")
	flag.IntVar(&timeoutMS, "timeout-ms", 30000, "overall probe timeout in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if frameGapMS < 10 {
		frameGapMS = 10
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.frameGap = time.Duration(frameGapMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	code, err := createPairing(cfg.baseURL)
	if err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("pairing code: %s\n", code)
	}

	sessionID, err := createSession(cfg.baseURL, code)
	if err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("session: %s\n", sessionID)
	}

	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/v1/verify/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(cfg.timeout)
	seq := 0
	blinkPhase := 0
	sendFrame := func(f protocol.ClientFrame) error {
		f.Seq = seq
		seq++
		return conn.WriteJSON(f)
	}

	// First frame surfaces the challenge.
	if err := sendFrame(neutralFrame()); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	var challengeText string
	saidWord := false
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}

		switch env.Type {
		case protocol.TypeTickResult:
			var tick protocol.TickResult
			if err := json.Unmarshal(raw, &tick); err != nil {
				return fmt.Errorf("decode tick: %w", err)
			}
			if tick.ChallengeText != challengeText {
				challengeText = tick.ChallengeText
				saidWord = false
				if cfg.verbose {
					fmt.Printf("challenge: %s\n", challengeText)
				}
			}
			if cfg.verbose {
				fmt.Printf("tick seq=%d action=%v word=%v result=%s remaining=%dms\n",
					tick.Seq, tick.ActionDone, tick.WordDone, tick.Result, tick.TimeRemainingMs)
			}
			if tick.ActionDone && !saidWord {
				word := cfg.sayWord
				if word == "" {
					word = keywordOf(challengeText)
				}
				if err := conn.WriteJSON(protocol.ClientAudioChunk{
					Type:       protocol.TypeClientAudioChunk,
					Transcript: word,
					TSMs:       time.Now().UnixMilli(),
				}); err != nil {
					return fmt.Errorf("send transcript: %w", err)
				}
				saidWord = true
				if cfg.verbose {
					fmt.Printf("said: %s\n", word)
				}
			}
			time.Sleep(cfg.frameGap)
			if err := sendFrame(frameForChallenge(challengeText, &blinkPhase)); err != nil {
				return fmt.Errorf("send frame: %w", err)
			}
		case protocol.TypeSessionFinal:
			var final protocol.SessionFinal
			if err := json.Unmarshal(raw, &final); err != nil {
				return fmt.Errorf("decode session_final: %w", err)
			}
			fmt.Printf("result: %s (attempts=%d)\n", final.Result, final.Attempts)
			if final.Result != "pass" {
				return fmt.Errorf("verification ended with %s", final.Result)
			}
			return nil
		case protocol.TypeSystemEvent, protocol.TypeErrorEvent:
			if cfg.verbose {
				fmt.Printf("event: %s\n", raw)
			}
		}
	}
	return fmt.Errorf("no terminal result within %v", cfg.timeout)
}

func keywordOf(text string) string {
	_, word, ok := strings.Cut(text, " and say ")
	if !ok {
		return ""
	}
	return word
}

// frameForChallenge fabricates landmarks that perform the announced
// action. Blink challenges alternate closed and open eyes via the
// caller-owned phase counter so the blink machine sees full cycles.
func frameForChallenge(text string, blinkPhase *int) protocol.ClientFrame {
	action, _, _ := strings.Cut(text, " and say ")
	switch action {
	case "Turn left":
		return annotatedFrame(90, 100, false)
	case "Turn right":
		return annotatedFrame(10, 100, false)
	case "Look up":
		return annotatedFrame(50, 80, false)
	case "Look down":
		return annotatedFrame(50, 140, false)
	case "Blink twice":
		*blinkPhase++
		return annotatedFrame(50, 100, *blinkPhase%3 != 0)
	default:
		return neutralFrame()
	}
}

func neutralFrame() protocol.ClientFrame {
	return annotatedFrame(50, 100, false)
}

func annotatedFrame(noseX, noseY float64, closed bool) protocol.ClientFrame {
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

	return protocol.ClientFrame{
		Type:      protocol.TypeClientFrame,
		Width:     640,
		Height:    480,
		TSMs:      time.Now().UnixMilli(),
		Face:      &protocol.FaceBox{X: 0, Y: 50, W: 100, H: 100},
		Landmarks: pts,
	}
}

func createPairing(baseURL string) (string, error) {
	res, err := http.Post(baseURL+"/v1/pairing", "application/json", nil)
	if err != nil {
		return "", fmt.Errorf("create pairing: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create pairing: status %d", res.StatusCode)
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pairing response: %w", err)
	}
	return out.Code, nil
}

func createSession(baseURL, code string) (string, error) {
	body, _ := json.Marshal(map[string]string{"code": code})
	res, err := http.Post(baseURL+"/v1/verify/session", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: status %d", res.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	return out.SessionID, nil
}
