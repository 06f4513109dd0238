package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"loom/broker/internal/app"
	"loom/broker/internal/auth"
	"loom/broker/internal/config"
	"loom/broker/internal/relay"
	"loom/broker/internal/session"
	"loom/broker/internal/store"
	"loom/broker/internal/util"
)

func main() {
	mintToken := flag.Bool("mint-token", false, "print a broker token for the configured secret and exit")
	flag.Parse()

	cfg := config.Load()

	if *mintToken {
		token, err := auth.IssueToken([]byte(cfg.BrokerSecret), auth.Claims{
			Editor: "cli",
			Nonce:  util.NewID("n"),
			Exp:    time.Now().Add(cfg.TokenTTL).Unix(),
		})
		if err != nil {
			log.Fatalf("mint token failed: %v", err)
		}
		fmt.Println(token)
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "shared.db"), store.DefaultKeys())
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	service := app.New(cfg, st)
	hub := session.NewHub(service)
	service.SetBroadcaster(hub)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis relay for cross-instance events")
		r, err := relay.New(cfg.RedisURL, hub.InstanceID)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer r.Close()
		hub.SetRelay(r)
		r.Run(hub)
	}

	if cfg.IdleOwnerTimeout > 0 {
		go func() {
			ticker := time.NewTicker(cfg.IdleOwnerTimeout / 2)
			defer ticker.Stop()
			for range ticker.C {
				service.ReleaseIdleOwners(cfg.IdleOwnerTimeout)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Loom broker listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
