// Package main implements aes67-monitor, an HTTP server exposing the
// running engine's status as JSON and as a small HTML meter page.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opd-ai/aes67vsc/config"
	"github.com/opd-ai/aes67vsc/engine"
	"github.com/sirupsen/logrus"
)

// EngineStatus is the JSON body served at /status.json.
type EngineStatus struct {
	PTPLocked   bool    `json:"ptp_locked"`
	PTPOffsetNs float64 `json:"ptp_offset_ns"`
	RateScalar  float64 `json:"rate_scalar"`
	Discovered  int     `json:"discovered_streams"`
	NowPTPNs    uint64  `json:"now_ptp_ns"`
}

type monitorServer struct {
	eng  *engine.Engine
	addr string
}

func newMonitorServer(eng *engine.Engine, addr string) *monitorServer {
	return &monitorServer{eng: eng, addr: addr}
}

func (s *monitorServer) status() EngineStatus {
	return EngineStatus{
		PTPLocked:   s.eng.IsPTPLocked(),
		PTPOffsetNs: s.eng.PTPOffsetNs(),
		RateScalar:  s.eng.RateScalar(),
		Discovered:  len(s.eng.DiscoveredStreamNames()),
		NowPTPNs:    s.eng.NowPTPNs(),
	}
}

func (s *monitorServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

func (s *monitorServer) handleMeterPage(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, meterPageTemplate, st.PTPLocked, st.PTPOffsetNs, st.RateScalar, st.Discovered)
}

const meterPageTemplate = `<!DOCTYPE html>
<html><head><title>aes67-monitor</title></head>
<body>
<h1>AES67 Engine Status</h1>
<ul>
<li>PTP locked: %v</li>
<li>PTP offset (ns): %f</li>
<li>Rate scalar: %f</li>
<li>Discovered streams: %d</li>
</ul>
</body></html>
`

func (s *monitorServer) start() error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status.json", s.handleStatusJSON)
	r.Get("/", s.handleMeterPage)

	logrus.WithFields(logrus.Fields{
		"function": "monitorServer.start",
		"addr":     s.addr,
	}).Info("monitor server listening")
	return http.ListenAndServe(s.addr, r)
}

func main() {
	configPath := flag.String("config", "", "JSON config file (defaults applied if omitted)")
	addr := flag.String("addr", ":8067", "HTTP listen address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aes67-monitor: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	eng := engine.NewEngine(cfg)
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "aes67-monitor: %v\n", err)
		os.Exit(1)
	}
	defer eng.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		eng.Stop()
		os.Exit(0)
	}()

	srv := newMonitorServer(eng, *addr)
	if err := srv.start(); err != nil {
		fmt.Fprintf(os.Stderr, "aes67-monitor: %v\n", err)
		os.Exit(1)
	}
}
