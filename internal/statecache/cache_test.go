package statecache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

type snapshot struct {
	Peak   float64            `json:"peak"`
	Levels map[string]int     `json:"levels"`
	Prices map[string]float64 `json:"prices"`
}

func TestCache_MemoryRoundTrip(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	if c.Backend() != "memory" {
		t.Fatalf("backend = %s, want memory", c.Backend())
	}

	var got snapshot
	ok, err := c.LoadJSON(ctx, "engine", &got)
	if err != nil || ok {
		t.Fatalf("LoadJSON on empty cache = %v, %v", ok, err)
	}

	want := snapshot{Peak: 10500, Levels: map[string]int{"BTC": 2}}
	if err := c.SaveJSON(ctx, "engine", want); err != nil {
		t.Fatal(err)
	}
	ok, err = c.LoadJSON(ctx, "engine", &got)
	if err != nil || !ok {
		t.Fatalf("LoadJSON = %v, %v", ok, err)
	}
	if got.Peak != 10500 || got.Levels["BTC"] != 2 {
		t.Errorf("got %+v", got)
	}

	if err := c.Delete(ctx, "engine"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.LoadJSON(ctx, "engine", &got); ok {
		t.Error("key still present after Delete")
	}
}

func TestCache_UnreachableRedisFallsBackToMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Address = "127.0.0.1:1"
	c := New(cfg, zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	if c.Backend() != "memory" {
		t.Errorf("backend = %s, want memory after failed ping", c.Backend())
	}
	if err := c.SaveJSON(ctx, "k", snapshot{Peak: 1}); err != nil {
		t.Fatalf("SaveJSON should not fail when Redis is down: %v", err)
	}
	var got snapshot
	if ok, err := c.LoadJSON(ctx, "k", &got); err != nil || !ok || got.Peak != 1 {
		t.Errorf("LoadJSON = %v, %v, %+v", ok, err, got)
	}
}

func TestCache_CorruptValue(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	c.mem["bad"] = []byte("{not json")
	var got snapshot
	if _, err := c.LoadJSON(context.Background(), "bad", &got); err == nil {
		t.Error("expected decode error")
	}
}
