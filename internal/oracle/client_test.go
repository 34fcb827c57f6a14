package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const feedBTC = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func latestBody(id, price, conf string, expo int32, pub int64) string {
	return fmt.Sprintf(`{"parsed":[{"id":%q,"price":{"price":%q,"conf":%q,"expo":%d,"publish_time":%d}}]}`,
		id, price, conf, expo, pub)
}

func TestLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != latestPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids[]"); got != feedBTC {
			t.Errorf("feed id not passed through: %s", got)
		}
		fmt.Fprint(w, latestBody(feedBTC, "6500000000000", "120000000", -8, 1700000100))
	}))
	defer srv.Close()

	entries, err := NewClient(srv.URL).Latest(context.Background(), feedBTC)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != feedBTC || e.Price.Price != "6500000000000" || e.Price.Expo != -8 {
		t.Errorf("entry not decoded: %+v", e)
	}
	if e.Price.PublishTime != 1700000100 {
		t.Errorf("publish time: got %d", e.Price.PublishTime)
	}
}

func TestLatestNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Latest(context.Background(), feedBTC); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestStreamDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept header: %s", got)
		}
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "data: %s\n\n", latestBody(feedBTC, "6500000000000", "0", -8, 10))
		fl.Flush()
		// A malformed frame must be skipped without ending the stream.
		fmt.Fprint(w, "data: {not json\n\n")
		fl.Flush()
		// Comment and event fields are ignored.
		fmt.Fprint(w, ": keepalive\nevent: message\n")
		fmt.Fprintf(w, "data: %s\n\n", latestBody(feedBTC, "6600000000000", "0", -8, 11))
		fl.Flush()
	}))
	defer srv.Close()

	var got []string
	err := NewClient(srv.URL).Stream(context.Background(), feedBTC, func(entries []Entry) error {
		for _, e := range entries {
			got = append(got, e.Price.Price)
		}
		return nil
	})
	if err == nil {
		t.Fatal("Stream must return a non-nil error when the server closes")
	}
	if len(got) != 2 || got[0] != "6500000000000" || got[1] != "6600000000000" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestStreamHandlerErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "data: %s\n\n", latestBody(feedBTC, "1000000", "0", -8, int64(i)))
			fl.Flush()
		}
	}))
	defer srv.Close()

	calls := 0
	err := NewClient(srv.URL).Stream(context.Background(), feedBTC, func([]Entry) error {
		calls++
		return errFeedSwitched
	})
	if err != errFeedSwitched {
		t.Fatalf("want handler error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times after returning error", calls)
	}
}

func TestSelectEntry(t *testing.T) {
	entries := []Entry{{ID: "aaaa"}, {ID: feedBTC}}

	e, ok := SelectEntry(entries, "0x"+strings.ToUpper(feedBTC))
	if !ok || e.ID != feedBTC {
		t.Errorf("want id match regardless of case and prefix, got %+v", e)
	}

	e, ok = SelectEntry(entries, "ffff")
	if !ok || e.ID != "aaaa" {
		t.Errorf("want first-entry fallback, got %+v", e)
	}

	if _, ok := SelectEntry(nil, feedBTC); ok {
		t.Error("empty slice must report no entry")
	}
}

func TestFeedPullThenStream(t *testing.T) {
	streamStarted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case latestPath:
			fmt.Fprint(w, latestBody(feedBTC, "6500000000000", "120000000", -8, 20))
		case streamPath:
			close(streamStarted)
			fl := w.(http.Flusher)
			fmt.Fprintf(w, "data: %s\n\n", latestBody(feedBTC, "6600000000000", "120000000", -8, 21))
			fl.Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	rec := NewReconciler(feedBTC, zap.NewNop())
	sub := rec.Subscribe()
	feed := NewFeed(NewClient(srv.URL), rec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	waitPrice := func(want string) {
		t.Helper()
		select {
		case p := <-sub:
			if p.Value.String() != want {
				t.Fatalf("want %s, got %s", want, p.Value)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for price %s", want)
		}
	}

	waitPrice("65000") // snapshot
	select {
	case <-streamStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}
	waitPrice("66000") // push update

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestFeedRecordsStreamErrorWithoutClearingPrice(t *testing.T) {
	var streamHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case latestPath:
			fmt.Fprint(w, latestBody(feedBTC, "6500000000000", "0", -8, 30))
		case streamPath:
			streamHits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	rec := NewReconciler(feedBTC, zap.NewNop())
	feed := NewFeed(NewClient(srv.URL), rec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for rec.Err() == nil {
		select {
		case <-deadline:
			t.Fatal("stream error never recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if p, ok := rec.Price(); !ok || p.Value.String() != "65000" {
		t.Fatalf("snapshot price must survive stream failures, got %v %v", p.Value, ok)
	}

	cancel()
	<-done
	if streamHits.Load() == 0 {
		t.Fatal("stream endpoint never attempted")
	}
}
