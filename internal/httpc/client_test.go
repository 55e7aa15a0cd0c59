package httpc

import (
	"context"
	"io"
	"testing"
)

func TestNewJSONRequest(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), "http://example.test/v1", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("NewJSONRequest() error = %v", err)
	}
	if req.Method != "POST" {
		t.Errorf("Method = %s, want POST", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	first, _ := io.ReadAll(req.Body)
	if err := Rewind(req); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	second, _ := io.ReadAll(req.Body)
	if string(first) != string(second) || string(first) != `{"text":"hi"}` {
		t.Errorf("bodies differ: %q vs %q", first, second)
	}
}

func TestNewJSONRequestMarshalError(t *testing.T) {
	if _, err := NewJSONRequest(context.Background(), "http://example.test", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient(DefaultTimeout)
	if c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
}
