package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/tourmatch/notify"
)

// FollowOptions configures Follow.
type FollowOptions struct {
	// Cursor is the Seq of the last event already seen.
	Cursor uint64
	// Mine restricts the stream to events involving the caller.
	Mine bool
	// Retry is the delay before reconnecting. Zero means one second.
	Retry  time.Duration
	Logger *slog.Logger
}

// Follow streams events to fn until ctx ends or fn returns an error. A
// dropped connection is reopened from the last delivered event, so fn may
// see an event twice across reconnects and should deduplicate by Key.
func (c *Client) Follow(ctx context.Context, opts FollowOptions, fn func(notify.Event) error) error {
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cursor := opts.Cursor
	for {
		err := c.stream(ctx, cursor, opts.Mine, func(e notify.Event) error {
			cursor = e.Seq
			return fn(e)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return err
		}
		opts.Logger.Warn("event stream dropped, reconnecting",
			slog.Uint64("cursor", cursor),
			slog.Any("err", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Retry):
		}
	}
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

// stream reads one SSE connection until it ends.
func (c *Client) stream(ctx context.Context, cursor uint64, mine bool, fn func(notify.Event) error) error {
	path := "/events"
	if mine {
		path += "?mine=1"
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", strconv.FormatUint(cursor, 10))

	// The stream outlives any per-request timeout.
	hc := *c.httpClient()
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e notify.Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(e); err != nil {
				return callbackError{err}
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return errors.New("event stream closed")
}
