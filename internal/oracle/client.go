package oracle

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	latestPath = "/v2/updates/price/latest"
	streamPath = "/v2/updates/price/stream"
)

// Entry is one parsed feed entry as delivered by the Hermes endpoints.
type Entry struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

type updateEnvelope struct {
	Parsed []Entry `json:"parsed"`
}

// Client talks to a Pyth Hermes endpoint: a pull snapshot plus a
// server-sent-event push stream.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given Hermes base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// The pull endpoint should answer quickly; the stream uses a
		// separate client with no overall timeout.
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Latest fetches the most recent price update for one feed.
func (c *Client) Latest(ctx context.Context, feedID string) ([]Entry, error) {
	u := c.endpoint(latestPath, feedID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle pull: unexpected status %d", resp.StatusCode)
	}

	var env updateEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("oracle pull: decode: %w", err)
	}
	return env.Parsed, nil
}

// Stream opens the SSE push stream for one feed and invokes handle for
// every update message until the stream breaks, handle returns an error,
// or ctx is cancelled. It always returns a non-nil error describing why
// the stream ended.
func (c *Client) Stream(ctx context.Context, feedID string, handle func([]Entry) error) error {
	u := c.endpoint(streamPath, feedID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open indefinitely and is torn
	// down via ctx.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("oracle stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle stream: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			// Blank line terminates one SSE message.
			if data.Len() == 0 {
				continue
			}
			var env updateEnvelope
			if err := json.Unmarshal([]byte(data.String()), &env); err != nil {
				// Malformed frames are skipped, not fatal.
				data.Reset()
				continue
			}
			data.Reset()
			if err := handle(env.Parsed); err != nil {
				return err
			}
		default:
			// event:/id:/retry: fields and comments are ignored.
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("oracle stream: %w", err)
	}
	return fmt.Errorf("oracle stream: closed by server")
}

func (c *Client) endpoint(path, feedID string) string {
	q := url.Values{}
	q.Add("ids[]", feedID)
	return c.baseURL + path + "?" + q.Encode()
}

// SelectEntry picks the entry matching the requested feed id, falling back
// to the first entry when no id matches.
func SelectEntry(entries []Entry, feedID string) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	want := normalizeFeedID(feedID)
	for _, e := range entries {
		if normalizeFeedID(e.ID) == want {
			return e, true
		}
	}
	return entries[0], true
}
