package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvEnable      = "IRIS_PPROF"
	EnvAddr        = "IRIS_PPROF_ADDR"
	EnvAllowPublic = "IRIS_PPROF_ALLOW_PUBLIC"

	defaultAddr = "127.0.0.1:6060"
)

// Server is a running profiling endpoint.
type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// StartFromEnv serves /debug/pprof/ when IRIS_PPROF=1 and returns nil
// otherwise. The bind address must be loopback unless
// IRIS_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(log zerolog.Logger) (*Server, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		addr: ln.Addr().String(),
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	log.Info().Str("url", "http://"+s.addr+"/debug/pprof/").Msg("pprof enabled")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("pprof server stopped")
		}
	}()
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
