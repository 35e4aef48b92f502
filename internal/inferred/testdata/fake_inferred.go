package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// FAKE_INFERRED_MODE: ok, exit_early, never_healthy, ignore_term, crash_after_ready.
func main() {
	fs := flag.NewFlagSet("inferred", flag.ContinueOnError)
	port := fs.String("port", "0", "port")
	host := fs.String("host", "127.0.0.1", "host")
	token := fs.String("auth-token", "", "bearer token")
	_ = fs.String("python-path", "", "")
	_ = fs.String("model-dir", "", "")
	_ = fs.Int("max-memory-mb", 0, "")
	_ = fs.Int("max-models", 0, "")
	_ = fs.Bool("cluster", false, "")
	_ = fs.String("cluster-peers", "", "")
	_ = fs.String("cluster-strategy", "", "")
	_ = fs.String("distributed-backend", "", "")
	_ = fs.Bool("no-discovery", false, "")
	_ = fs.String("kv-cache-quant", "", "")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if f := os.Getenv("FAKE_INFERRED_ARGS_FILE"); f != "" {
		_ = os.WriteFile(f, []byte(strings.Join(os.Args[1:], "\n")), 0o644)
	}
	mode := os.Getenv("FAKE_INFERRED_MODE")
	if mode == "exit_early" {
		fmt.Fprintln(os.Stderr, "fatal: cannot load")
		os.Exit(2)
	}
	if mode == "ignore_term" {
		signal.Ignore(syscall.SIGTERM)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if mode == "never_healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if *token != "" && r.Header.Get("Authorization") != "Bearer "+*token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		if mode == "crash_after_ready" {
			go func() {
				time.Sleep(200 * time.Millisecond)
				os.Exit(3)
			}()
		}
	})
	mux.HandleFunc("/inference/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ready":true,"loaded_models":[]}`))
	})

	srv := &http.Server{Addr: *host + ":" + *port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	fmt.Println("listening on", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	if mode != "ignore_term" {
		signal.Notify(sigCh, syscall.SIGTERM)
	}
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
