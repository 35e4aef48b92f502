package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Behaviour is chosen with FAKE_WORKER_MODE:
//
//	ok                 answers everything
//	hang_health        never answers health
//	unhealthy          reports status "error"
//	ignore_shutdown    keeps running after the shutdown notification
//	crash_after_ready  exits 3 shortly after answering health
//	stream_error       fails streams after the first token
//	slow_stream_ack    waits before acknowledging a stream
type request struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type generateParams struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int `json:"max_tokens"`
}

var outMu sync.Mutex

func send(v any) {
	b, _ := json.Marshal(v)
	outMu.Lock()
	defer outMu.Unlock()
	os.Stdout.Write(append(b, '\n'))
}

func reply(id *int64, result any) {
	if id == nil {
		return
	}
	send(map[string]any{"jsonrpc": "2.0", "id": *id, "result": result})
}

func main() {
	// dependency probes: `-c <code>`; report a supported version and
	// succeed every import
	if len(os.Args) > 2 && os.Args[1] == "-c" {
		if strings.Contains(os.Args[2], "version_info") {
			fmt.Println("3.11.4")
		}
		return
	}
	// argv: <script> --model P --backend B
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	model := fs.String("model", "", "model dir")
	backend := fs.String("backend", "", "engine")
	if len(os.Args) > 2 {
		_ = fs.Parse(os.Args[2:])
	}
	mode := os.Getenv("FAKE_WORKER_MODE")
	if mode == "" {
		mode = "ok"
	}
	fmt.Fprintf(os.Stderr, "loading %s with %s\n", *model, *backend)
	fmt.Println("this line is not protocol output")

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		var req request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "health":
			switch mode {
			case "hang_health":
			case "unhealthy":
				reply(req.ID, map[string]string{"status": "error", "backend": *backend})
			default:
				reply(req.ID, map[string]string{"status": "ok", "backend": *backend})
				if mode == "crash_after_ready" {
					go func() {
						time.Sleep(200 * time.Millisecond)
						os.Exit(3)
					}()
				}
			}
		case "generate":
			var p generateParams
			_ = json.Unmarshal(req.Params, &p)
			text := "echo: " + lastContent(p)
			reply(req.ID, map[string]any{
				"text":              text,
				"finish_reason":     "stop",
				"prompt_tokens":     len(p.Messages),
				"completion_tokens": len(strings.Fields(text)),
			})
		case "generate_stream":
			var p generateParams
			_ = json.Unmarshal(req.Params, &p)
			if mode == "slow_stream_ack" {
				time.Sleep(300 * time.Millisecond)
			}
			reply(req.ID, map[string]any{"streaming": true})
			words := strings.Fields(lastContent(p))
			for i, w := range words {
				if mode == "stream_error" && i == 1 {
					send(map[string]any{"error": "generation failed"})
					break
				}
				send(map[string]any{"token": w + " "})
			}
			if mode != "stream_error" || len(words) < 2 {
				send(map[string]any{"token": "", "done": true})
			}
		case "shutdown":
			if mode == "ignore_shutdown" {
				continue
			}
			os.Exit(0)
		default:
			if req.ID != nil {
				send(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
			}
		}
	}
	if mode == "ignore_shutdown" {
		time.Sleep(time.Hour)
	}
}

func lastContent(p generateParams) string {
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[len(p.Messages)-1].Content
}
