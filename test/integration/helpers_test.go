package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
	"github.com/ChuLiYu/marketplace-partner/internal/controller"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
)

var tokens = map[string]string{
	"tok-a": "inst-a",
	"tok-b": "inst-b",
	"tok-c": "inst-c",
}

func tokenFor(inst string) string {
	for tok, i := range tokens {
		if i == inst {
			return tok
		}
	}
	return ""
}

func durableConfig(dir string) controller.Config {
	return controller.Config{
		HTTP: controller.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second},
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

// service is a running controller plus an HTTP client for it.
type service struct {
	t    *testing.T
	ctrl *controller.Controller
	base string
}

func startService(t *testing.T, dir string) *service {
	t.Helper()
	ctrl, err := controller.NewController(context.Background(), durableConfig(dir))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	s := &service{t: t, ctrl: ctrl, base: "http://" + ctrl.HTTPAddr()}
	t.Cleanup(s.stop)
	return s
}

func (s *service) stop() { s.ctrl.Stop() }

// call sends body as JSON on behalf of inst and decodes the response.
func (s *service) call(method, inst, path string, body any) (int, map[string]any) {
	s.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.base+"/installations/"+inst+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(inst))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (s *service) putResource(inst, rid string) {
	s.t.Helper()
	code, _ := s.call(http.MethodPut, inst, "/resources/"+rid, map[string]any{"productId": "postgres", "name": rid})
	require.Equal(s.t, http.StatusOK, code)
}

func (s *service) resourceIDs(inst string) []string {
	s.t.Helper()
	code, body := s.call(http.MethodGet, inst, "/resources", nil)
	require.Equal(s.t, http.StatusOK, code)
	var ids []string
	list, _ := body["resources"].([]any)
	for _, r := range list {
		ids = append(ids, r.(map[string]any)["id"].(string))
	}
	return ids
}

func hour() int64 { return time.Now().Add(time.Hour).UnixMilli() }
