package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/objlog/internal/protocol"
)

// Remote talks to an objlog server.
type Remote struct {
	URL    string
	Token  string
	Client *http.Client
}

func (r *Remote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r *Remote) do(ctx context.Context, method, path string, body io.Reader, v any) error {
	apiURL := strings.TrimSuffix(r.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Query fetches records of log. Zero times are left out of the request.
func (r *Remote) Query(ctx context.Context, log string, from, to time.Time, limit int) ([]Row, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/logs/" + url.PathEscape(log)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Records []Row `json:"records"`
	}
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Append posts payloads to log as one JSON array.
func (r *Remote) Append(ctx context.Context, log string, payloads []json.RawMessage) (int, error) {
	body, err := json.Marshal(payloads)
	if err != nil {
		return 0, fmt.Errorf("encode payloads: %w", err)
	}
	var resp struct {
		Accepted int `json:"accepted"`
	}
	err = r.do(ctx, http.MethodPost, "/api/logs/"+url.PathEscape(log), bytes.NewReader(body), &resp)
	return resp.Accepted, err
}

// Tail streams records of log to fn until ctx is done or the server closes
// the connection. With a non-zero since, stored records are replayed first.
func (r *Remote) Tail(ctx context.Context, log string, since time.Time, fn func(Row) error) error {
	wsURL := strings.Replace(strings.TrimSuffix(r.URL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/ws/logs/%s", wsURL, url.PathEscape(log))
	if !since.IsZero() {
		wsURL += "?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	headers := http.Header{}
	if r.Token != "" {
		headers.Set("Authorization", "Bearer "+r.Token)
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("connect to tail: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		msgType, payload, err := protocol.Decode(message)
		if err != nil {
			continue
		}
		switch msgType {
		case protocol.TypeRecord:
			rec, err := protocol.DecodePayload[protocol.Record](payload)
			if err != nil {
				continue
			}
			if err := fn(Row{Time: rec.At(), Payload: rec.Payload}); err != nil {
				return err
			}
		case protocol.TypeLagged:
			if lag, err := protocol.DecodePayload[protocol.Lagged](payload); err == nil {
				slog.Warn("tail fell behind, records skipped", "log", log, "missed", lag.Missed)
			}
		case protocol.TypeError:
			if e, err := protocol.DecodePayload[protocol.Error](payload); err == nil {
				return errors.New(e.Error)
			}
		}
	}
}
