// Package main provides an administrative CLI for the account pool, talking
// to a running worker's operational HTTP server.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8090", "Operational server base URL")
		timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}

	var (
		method string
		path   string
	)

	switch args[0] {
	case "status":
		method, path = http.MethodGet, "/api/v1/pool/status"
	case "force-release":
		if len(args) < 2 {
			log.Fatal("force-release requires an account id")
		}
		method, path = http.MethodPost, "/api/v1/pool/accounts/"+args[1]+"/force-release"
	case "clear-cooldown":
		if len(args) < 2 {
			log.Fatal("clear-cooldown requires an account id")
		}
		method, path = http.MethodPost, "/api/v1/pool/accounts/"+args[1]+"/clear-cooldown"
	case "clean-queue":
		method, path = http.MethodPost, "/api/v1/queue/clean"
	default:
		usage()
		os.Exit(2)
	}

	req, err := http.NewRequest(method, *baseURL+path, nil)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: poolctl [flags] <command>

Commands:
  status                      Show pool status and queue depth
  force-release <account-id>  Force-release an account lock
  clear-cooldown <account-id> Clear an account cooldown
  clean-queue                 Prune stale wait queue entries

Flags:
  -url      Operational server base URL (default http://localhost:8090)
  -timeout  Request timeout (default 10s)`)
}
