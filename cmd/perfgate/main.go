package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callguard/internal/protocol"
)

type options struct {
	baseURL        string
	channel        string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	operations     []string
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type decisionReply struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Decision  struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	} `json:"decision"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Level 0 operations only, so the replay never stalls on a challenge.
var defaultOperations = []string{"branch_hours"}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfgate: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfgate: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var opsRaw string
	var startDelayMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("perfgate", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "callguard base URL")
	fs.StringVar(&cfg.channel, "channel", "perf-replay", "channel label for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 50, "number of operation requests to replay")
	fs.IntVar(&startDelayMS, "start-delay-ms", 100, "delay before the first request in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 20, "delay between requests in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 5000, "timeout waiting for each gate_decision in milliseconds")
	fs.StringVar(&opsRaw, "operations", "", "operations separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print each decision")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 100 {
		turnTimeoutMS = 100
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.operations = splitOperations(opsRaw)
	if strings.TrimSpace(opsRaw) != "" && len(cfg.operations) == 0 {
		return options{}, fmt.Errorf("operations produced no non-empty names")
	}
	if len(cfg.operations) == 0 {
		cfg.operations = append([]string(nil), defaultOperations...)
	}
	return cfg, nil
}

func splitOperations(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if op := strings.TrimSpace(part); op != "" {
			out = append(out, op)
		}
	}
	return out
}

func run(cfg options, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Fprintf(stdout, "perfgate: session=%s turns=%d operations=%s\n", sessionID, cfg.turns, strings.Join(cfg.operations, ","))
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	latencies := make([]time.Duration, 0, cfg.turns)
	outcomes := make(map[string]int)
	for i := 0; i < cfg.turns; i++ {
		op := cfg.operations[i%len(cfg.operations)]
		reqID := fmt.Sprintf("perf-%d", i+1)
		sent := time.Now()
		if err := conn.WriteJSON(protocol.OperationRequest{
			Type:      protocol.TypeOperationRequest,
			SessionID: sessionID,
			RequestID: reqID,
			Operation: op,
		}); err != nil {
			return fmt.Errorf("send request %d: %w", i+1, err)
		}
		reply, err := awaitDecision(conn, reqID, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d (%s): %w", i+1, op, err)
		}
		elapsed := time.Since(sent)
		latencies = append(latencies, elapsed)
		outcomes[reply.Decision.Outcome]++
		if cfg.verbose {
			fmt.Fprintf(stdout, "turn %d op=%s outcome=%s reason=%s latency_ms=%d\n",
				i+1, op, reply.Decision.Outcome, reply.Decision.Reason, elapsed.Milliseconds())
		}
		if cfg.interTurnDelay > 0 && i+1 < cfg.turns {
			time.Sleep(cfg.interTurnDelay)
		}
	}
	_ = conn.WriteJSON(protocol.Hangup{Type: protocol.TypeHangup, SessionID: sessionID})

	fmt.Fprintf(stdout, "client round trip: n=%d p50_ms=%.2f p95_ms=%.2f max_ms=%.2f\n",
		len(latencies), percentileMS(latencies, 0.50), percentileMS(latencies, 0.95), percentileMS(latencies, 1))
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "outcome %s: %d\n", k, outcomes[k])
	}

	server, err := fetchServerPerf(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch server perf: %w", err)
	}
	fmt.Fprintf(stdout, "server decision_total: within_slo=%t slo_ms=%d\n", server.WithinSLO, server.SLOMS)
	if len(server.SlowStages) > 0 {
		fmt.Fprintf(stdout, "server stages over p95 target: %s\n", strings.Join(server.SlowStages, ","))
	}
	return nil
}

func awaitDecision(conn *websocket.Conn, requestID string, timeout time.Duration) (decisionReply, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var reply decisionReply
		if err := conn.ReadJSON(&reply); err != nil {
			return decisionReply{}, err
		}
		switch protocol.MessageType(reply.Type) {
		case protocol.TypeGateDecision:
			if reply.RequestID == requestID {
				return reply, nil
			}
		case protocol.TypeErrorEvent:
			return decisionReply{}, fmt.Errorf("server error %s: %s", reply.Code, reply.Detail)
		case protocol.TypeSessionExpired:
			return decisionReply{}, fmt.Errorf("session ended during replay")
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	body, _ := json.Marshal(map[string]string{"channel": cfg.channel})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type serverPerf struct {
	WithinSLO  bool     `json:"within_slo"`
	SLOMS      int64    `json:"slo_ms"`
	SlowStages []string `json:"slow_stages"`
}

func fetchServerPerf(ctx context.Context, client *http.Client, baseURL string) (serverPerf, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/decisions", nil)
	if err != nil {
		return serverPerf{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return serverPerf{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverPerf{}, fmt.Errorf("status=%d", resp.StatusCode)
	}
	var out serverPerf
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return serverPerf{}, err
	}
	return out, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// percentileMS uses nearest-rank on a sorted copy; q=1 is the max.
func percentileMS(samples []time.Duration, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(q*float64(len(sorted)) + 0.5)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return float64(sorted[idx-1].Microseconds()) / 1000
}
