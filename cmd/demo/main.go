package main

// Demo: drives the partner API end to end over HTTP against a durable
// embedded store, then restarts the service and shows the state survived.
//
//	go run ./cmd/demo [data-dir]

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
	"github.com/ChuLiYu/marketplace-partner/internal/controller"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
)

var tokens = map[string]string{
	"tok-a": "inst-a",
	"tok-b": "inst-b",
	"tok-c": "inst-c",
}

func config(dir string) controller.Config {
	return controller.Config{
		HTTP: controller.HTTPConfig{Addr: "127.0.0.1:0"},
		Storage: storage.Config{
			Driver: storage.DriverMemory,
			Memory: storage.MemoryConfig{
				WALPath:      filepath.Join(dir, "partner.wal"),
				SnapshotPath: filepath.Join(dir, "partner.snapshot"),
				SyncOnAppend: true,
			},
		},
		Auth:    auth.Config{Mode: auth.ModeStatic, StaticTokens: tokens},
		Metrics: controller.MetricsConfig{Enabled: true},
	}
}

type client struct {
	base string
}

func (c client) call(method, path, token string, body any) (int, map[string]any) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	fmt.Printf("  %-6s %-72s -> %d %v\n", method, path, resp.StatusCode, out)
	return resp.StatusCode, out
}

func start(dir string) (*controller.Controller, client) {
	ctrl, err := controller.NewController(context.Background(), config(dir))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	return ctrl, client{base: "http://" + ctrl.HTTPAddr()}
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	dir := "data/demo"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal(err)
	}

	ctrl, c := start(dir)
	expiration := time.Now().Add(time.Hour).UnixMilli()
	suffix := time.Now().Format("150405")
	transferID := "demo-transfer-" + suffix
	claimID := "demo-claim-" + suffix

	fmt.Println("== resources owned by inst-a")
	for _, rid := range []string{"db-" + suffix, "cache-" + suffix} {
		c.call(http.MethodPut, "/installations/inst-a/resources/"+rid, "tok-a",
			map[string]any{"productId": "postgres", "name": rid})
	}

	fmt.Println("== transfer request: two targets verify, both race to accept")
	trPath := "/installations/inst-a/resource-transfer-requests/" + transferID
	c.call(http.MethodPut, trPath, "tok-a", map[string]any{
		"resourceIds": []string{"db-" + suffix, "cache-" + suffix},
		"expiration":  expiration,
	})
	for _, who := range []string{"b", "c"} {
		c.call(http.MethodPost, "/installations/inst-"+who+"/resource-transfer-requests/"+transferID+"/verify", "tok-"+who, nil)
	}
	var wg sync.WaitGroup
	for _, who := range []string{"b", "c"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			c.call(http.MethodPost, "/installations/inst-"+who+"/resource-transfer-requests/"+transferID+"/accept", "tok-"+who, nil)
		}(who)
	}
	wg.Wait()
	_, tr := c.call(http.MethodGet, trPath, "tok-a", nil)
	winner, _ := tr["claimedByInstallationId"].(string)
	for inst, tok := range map[string]string{"inst-b": "tok-b", "inst-c": "tok-c"} {
		_, res := c.call(http.MethodGet, "/installations/"+inst+"/resources", tok, nil)
		if inst == winner {
			fmt.Printf("  winner %s now owns %v\n", inst, res["resources"])
		}
	}

	fmt.Println("== claim: verify then complete")
	clPath := "/installations/inst-a/claims/" + claimID
	c.call(http.MethodPost, clPath, "tok-a", map[string]any{
		"resourceIds": []string{"db-" + suffix},
		"expiration":  expiration,
	})
	c.call(http.MethodPost, "/installations/inst-b/claims/"+claimID+"/verify", "tok-b", nil)
	c.call(http.MethodPost, "/installations/inst-b/claims/"+claimID+"/complete", "tok-b",
		map[string]any{"targetInstallationId": "inst-b"})
	c.call(http.MethodPost, "/installations/inst-b/claims/"+claimID+"/complete", "tok-b",
		map[string]any{"targetInstallationId": "inst-b"})

	fmt.Println("== restart")
	ctrl.Stop()
	ctrl, c = start(dir)
	defer ctrl.Stop()

	c.call(http.MethodGet, trPath, "tok-a", nil)
	c.call(http.MethodGet, clPath+"/history", "tok-a", nil)
	fmt.Printf("✓ state recovered from %s\n", dir)
}
