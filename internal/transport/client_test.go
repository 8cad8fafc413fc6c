package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type echo struct {
	Value string `json:"value"`
}

func TestPostAndGetJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var in echo
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(echo{Value: in.Value + "!"})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(echo{Value: "get"})
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(time.Second)

	var out echo
	code, err := c.PostJSON(context.Background(), srv.URL, echo{Value: "ping"}, &out)
	if err != nil || code != 200 {
		t.Fatalf("post failed code=%d err=%v", code, err)
	}
	if out.Value != "ping!" {
		t.Fatalf("expected echoed body, got %+v", out)
	}

	out = echo{}
	code, err = c.GetJSON(context.Background(), srv.URL, &out)
	if err != nil || code != 200 {
		t.Fatalf("get failed code=%d err=%v", code, err)
	}
	if out.Value != "get" {
		t.Fatalf("expected get body, got %+v", out)
	}
}

func TestEmptyReplyLeavesOutUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(time.Second)
	out := echo{Value: "unchanged"}
	code, err := c.GetJSON(context.Background(), srv.URL, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != http.StatusNoContent || out.Value != "unchanged" {
		t.Fatalf("empty body must not decode: code=%d out=%+v", code, out)
	}
}

func TestChaosDropCountsHeartbeatsSeparately(t *testing.T) {
	c := NewClient(time.Second)
	c.EnableChaos(ChaosConfig{Enabled: true, DropProb: 1, HeartbeatDropProb: 1})

	_, err := c.PostJSON(context.Background(), "http://127.0.0.1:1/heartbeat", echo{}, nil)
	if !errors.Is(err, ErrChaosDrop) {
		t.Fatalf("expected ErrChaosDrop, got %v", err)
	}
	_, err = c.GetJSON(context.Background(), "http://127.0.0.1:1/status", nil)
	if !errors.Is(err, ErrChaosDrop) {
		t.Fatalf("expected ErrChaosDrop, got %v", err)
	}

	st := c.GetStats()
	if st.Dropped != 2 || st.HeartbeatsDropped != 1 {
		t.Fatalf("expected 2 drops, 1 of them a heartbeat: %+v", st)
	}
}
