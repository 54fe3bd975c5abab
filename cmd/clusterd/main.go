// Command clusterd runs one cluster agent: it wires up every
// coordination component, exposes a debug HTTP surface, and tails
// event bus traffic to any connected browser over a WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-cluster/coreclu/cluster"
)

func main() {
	cfg := cluster.LoadConfigFromEnv()

	host := os.Getenv("CLUSTER_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 9000
	if p := os.Getenv("CLUSTER_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	manager := cluster.NewClusterManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx, host, port, nil, nil); err != nil {
		log.Fatalf("clusterd: failed to start cluster manager: %v", err)
	}

	hub := newEventHub()
	if cfg.Enabled {
		manager.SubscribeDebugEvents(hub.broadcast)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := manager.GetStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	mux.Handle("/metrics", metricsHandler(manager))
	mux.HandleFunc("/debug/events", hub.serveWS)

	fmt.Println("==================================================")
	fmt.Println("NEXUS CLUSTER AGENT")
	fmt.Println("==================================================")
	fmt.Printf("Agent ID:     %s\n", cfg.AgentID)
	fmt.Printf("Role:         %s\n", cfg.Role)
	fmt.Printf("Clustering:   %v\n", cfg.Enabled)
	fmt.Printf("Redis:        %s\n", cfg.RedisURL)
	fmt.Println("==================================================")

	srv := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		log.Printf("clusterd: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("clusterd: http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("clusterd: shutting down")
	manager.Stop(ctx)
	_ = srv.Close()
}

// metricsHandler collects a fresh snapshot before delegating to
// promhttp, so /metrics always reflects current cluster state rather
// than only whatever Collect was last invoked by a background job.
func metricsHandler(manager *cluster.ClusterManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := manager.Metrics()
		if m == nil {
			http.Error(w, "clustering disabled", http.StatusServiceUnavailable)
			return
		}
		m.Collect(r.Context())
		promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}
}

// eventHub fans out cluster event bus traffic to connected debug
// WebSocket clients, grounded on control_plane/ws_hub.go's
// register/unregister/broadcast channel shape.
type eventHub struct {
	upgrader   websocket.Upgrader
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan map[string]any
	clients    map[*websocket.Conn]bool
}

func newEventHub() *eventHub {
	h := &eventHub{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan map[string]any, 256),
		clients:    make(map[*websocket.Conn]bool),
	}
	go h.run()
	return h
}

func (h *eventHub) run() {
	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		case event := <-h.events:
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
		}
	}
}

// broadcast satisfies cluster.EventHandler and is wired against every
// channel the cluster's event bus carries.
func (h *eventHub) broadcast(channel string, event map[string]any) {
	tagged := make(map[string]any, len(event)+1)
	for k, v := range event {
		tagged[k] = v
	}
	tagged["_channel"] = channel
	select {
	case h.events <- tagged:
	default:
		log.Printf("clusterd: event hub backlog full, dropping event on %s", channel)
	}
}

func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("clusterd: websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
