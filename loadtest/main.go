package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pairchat/internal/chat"
	"pairchat/internal/user"
)

type options struct {
	baseURL     string
	pairs       int
	messages    int
	concurrency int
	interval    time.Duration
	timeout     time.Duration
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
	latency  atomic.Int64 // summed nanoseconds
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if err := newRootCmd(log).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(log zerolog.Logger) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive pairs of users through register, login, conversation and chat traffic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 50, "number of user pairs")
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "messages sent by each user")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 100, "pairs running at once")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between two messages of one user")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long a user waits for the peer's messages")
	return cmd
}

func run(ctx context.Context, opts options, log zerolog.Logger) error {
	log.Info().Int("users", opts.pairs*2).Int("messages", opts.messages).Msg("starting load test")
	start := time.Now()
	st := &stats{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	runID := time.Now().UnixNano()
	for i := 0; i < opts.pairs; i++ {
		g.Go(func() error {
			if err := runPair(ctx, opts, fmt.Sprintf("lt%d_%d", runID%100000, i), st); err != nil {
				st.failed.Add(1)
				log.Warn().Err(err).Int("pair", i).Msg("pair failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	received := st.received.Load()
	var avg time.Duration
	if received > 0 {
		avg = time.Duration(st.latency.Load() / received)
	}
	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("received", received).
		Int64("failed_pairs", st.failed.Load()).
		Dur("avg_latency", avg).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
	return nil
}

func runPair(ctx context.Context, opts options, prefix string, st *stats) error {
	a, err := authenticate(ctx, opts.baseURL, prefix+"_a")
	if err != nil {
		return err
	}
	b, err := authenticate(ctx, opts.baseURL, prefix+"_b")
	if err != nil {
		return err
	}

	convID, err := startConversation(ctx, opts.baseURL, a.AccessToken, b.ID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, u := range []*user.LoginResponse{a, b} {
		g.Go(func() error { return chatter(ctx, opts, u, convID, st) })
	}
	return g.Wait()
}

// authenticate registers (ignoring a taken username) and logs in.
func authenticate(ctx context.Context, baseURL, username string) (*user.LoginResponse, error) {
	creds := user.RegisterRequest{Username: username, Password: "password123"}
	if res, err := postJSON(ctx, baseURL+"/register", "", creds); err == nil {
		res.Body.Close()
	}

	res, err := postJSON(ctx, baseURL+"/login", "", creds)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, res.StatusCode)
	}
	var out user.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	return &out, nil
}

func startConversation(ctx context.Context, baseURL, token, otherID string) (string, error) {
	res, err := postJSON(ctx, baseURL+"/api/conversations", token, map[string]string{"userId": otherID})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start conversation: status %d", res.StatusCode)
	}
	var conv chat.ConversationSummary
	if err := json.NewDecoder(res.Body).Decode(&conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// chatter joins the conversation, sends its share of messages and waits for
// every message of the peer.
func chatter(ctx context.Context, opts options, u *user.LoginResponse, convID string, st *stats) error {
	wsURL := strings.Replace(opts.baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(u.AccessToken)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Username, err)
	}
	defer conn.Close()

	if err := writeEvent(conn, "joinRoom", chat.JoinRoom{ConversationID: convID}); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- readPeer(conn, u.ID, opts, st) }()

	for i := 0; i < opts.messages; i++ {
		text := fmt.Sprintf("%d|load test message %d from %s", time.Now().UnixNano(), i, u.Username)
		if err := writeEvent(conn, "sendMessage", chat.SendMessage{ConversationID: convID, Text: text}); err != nil {
			return fmt.Errorf("send %s: %w", u.Username, err)
		}
		st.sent.Add(1)
		time.Sleep(opts.interval)
	}
	return <-done
}

func readPeer(conn *websocket.Conn, selfID string, opts options, st *stats) error {
	deadline := time.Now().Add(opts.timeout)
	for got := 0; got < opts.messages; {
		conn.SetReadDeadline(deadline)
		var f chat.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("received %d of %d peer messages: %w", got, opts.messages, err)
		}
		if f.Event != "receiveMessage" {
			continue
		}
		var msg chat.ReceiveMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil || msg.Sender.ID == selfID {
			continue
		}
		got++
		st.received.Add(1)
		var sentAt int64
		if _, err := fmt.Sscanf(msg.Text, "%d|", &sentAt); err == nil {
			st.latency.Add(time.Now().UnixNano() - sentAt)
		}
	}
	return nil
}

func writeEvent(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(chat.Frame{Event: event, Data: raw})
}

func postJSON(ctx context.Context, endpoint, token string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
