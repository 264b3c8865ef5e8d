package pprofutil

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv(EnvEnable, "")
	s, err := StartFromEnv(zerolog.Nop())
	if err != nil || s != nil {
		t.Fatalf("expected no server, got %v %v", s, err)
	}
}

func TestStartFromEnvRejectsPublicBind(t *testing.T) {
	t.Setenv(EnvEnable, "1")
	t.Setenv(EnvAddr, "0.0.0.0:0")
	t.Setenv(EnvAllowPublic, "")
	if _, err := StartFromEnv(zerolog.Nop()); err == nil {
		t.Fatalf("expected public bind to be refused")
	}
}

func TestStartFromEnvServesIndex(t *testing.T) {
	t.Setenv(EnvEnable, "1")
	t.Setenv(EnvAddr, "127.0.0.1:0")
	s, err := StartFromEnv(zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
