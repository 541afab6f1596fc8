// ============================================================================
// Partner 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: scenarios_test.go
// 功能: 通過 HTTP 驅動完整服務 (gin + 狀態機 + 內嵌持久化存儲)
//
// 測試目標:
//   1. transfer request: 多個目標 verify, 只有一個 accept 成功
//   2. 資源所有權隨 accept 原子轉移
//   3. claim: verify -> complete, 重放冪等
//   4. 重啟後狀態與歷史完整恢復
//
// ============================================================================

package integration

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferRequestLifecycleAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	svc := startService(t, dir)

	svc.putResource("inst-a", "r1")
	svc.putResource("inst-a", "r2")

	code, body := svc.call(http.MethodPut, "inst-a", "/resource-transfer-requests/t1",
		map[string]any{"resourceIds": []string{"r1", "r2", "r-gone"}, "expiration": hour()})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "unclaimed", body["status"])

	for _, inst := range []string{"inst-b", "inst-c"} {
		code, body = svc.call(http.MethodPost, inst, "/resource-transfer-requests/t1/verify", nil)
		require.Equal(t, http.StatusOK, code, body)
	}

	// Both verified targets race to accept.
	codes := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, inst := range []string{"inst-b", "inst-c"} {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			code, _ := svc.call(http.MethodPost, inst, "/resource-transfer-requests/t1/accept", nil)
			mu.Lock()
			codes[inst] = code
			mu.Unlock()
		}(inst)
	}
	wg.Wait()

	code, tr := svc.call(http.MethodGet, "inst-a", "/resource-transfer-requests/t1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", tr["status"])
	winner := tr["claimedByInstallationId"].(string)
	loser := "inst-b"
	if winner == "inst-b" {
		loser = "inst-c"
	}
	assert.Equal(t, http.StatusOK, codes[winner])
	assert.Equal(t, http.StatusConflict, codes[loser])

	assert.Equal(t, []string{"r1", "r2"}, svc.resourceIDs(winner))
	assert.Empty(t, svc.resourceIDs("inst-a"))
	assert.Empty(t, svc.resourceIDs(loser))

	// Replaying the winning accept is a no-op.
	code, body = svc.call(http.MethodPost, winner, "/resource-transfer-requests/t1/accept", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Transfer request already complete", body["description"])

	svc.stop()
	svc = startService(t, dir)

	code, tr = svc.call(http.MethodGet, "inst-a", "/resource-transfer-requests/t1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", tr["status"])
	assert.Equal(t, winner, tr["claimedByInstallationId"])
	assert.Equal(t, []string{"r1", "r2"}, svc.resourceIDs(winner))

	code, hist := svc.call(http.MethodGet, "inst-a", "/resource-transfer-requests/t1/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, hist["history"], 4, "create, two verifies, complete")
}

func TestClaimLifecycle(t *testing.T) {
	svc := startService(t, t.TempDir())

	code, claim := svc.call(http.MethodPost, "inst-a", "/claims",
		map[string]any{"resourceIds": []string{"r1"}, "expiration": hour()})
	require.Equal(t, http.StatusOK, code, claim)
	id := claim["claimId"].(string)
	require.NotEmpty(t, id)

	code, _ = svc.call(http.MethodPost, "inst-c", "/claims/"+id+"/complete",
		map[string]any{"targetInstallationId": "inst-c"})
	assert.Equal(t, http.StatusConflict, code, "complete before verify")

	code, body := svc.call(http.MethodPost, "inst-b", "/claims/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Claim verified", body["description"])

	code, _ = svc.call(http.MethodPost, "inst-b", "/claims/"+id+"/complete",
		map[string]any{"targetInstallationId": "inst-b"})
	require.Equal(t, http.StatusOK, code)

	code, _ = svc.call(http.MethodPost, "inst-b", "/claims/"+id+"/complete",
		map[string]any{"targetInstallationId": "inst-b"})
	assert.Equal(t, http.StatusOK, code, "replay")

	code, claim = svc.call(http.MethodGet, "inst-a", "/claims/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", claim["status"])
	assert.Equal(t, "inst-b", claim["targetInstallationId"])

	code, _ = svc.call(http.MethodDelete, "inst-a", "/claims/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = svc.call(http.MethodGet, "inst-a", "/claims/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExpiredTransferRequestRejectsAccept(t *testing.T) {
	svc := startService(t, t.TempDir())

	expiration := time.Now().Add(300 * time.Millisecond).UnixMilli()
	code, _ := svc.call(http.MethodPut, "inst-a", "/resource-transfer-requests/t-exp",
		map[string]any{"resourceIds": []string{"r1"}, "expiration": expiration})
	require.Equal(t, http.StatusOK, code)
	code, _ = svc.call(http.MethodPost, "inst-b", "/resource-transfer-requests/t-exp/verify", nil)
	require.Equal(t, http.StatusOK, code)

	time.Sleep(time.Until(time.UnixMilli(expiration)) + 50*time.Millisecond)

	code, body := svc.call(http.MethodPost, "inst-b", "/resource-transfer-requests/t-exp/accept", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", body["code"])
}

func TestCallerMustMatchPath(t *testing.T) {
	svc := startService(t, t.TempDir())

	req, err := http.NewRequest(http.MethodGet, svc.base+"/installations/inst-a/resources", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-b")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, svc.base+"/installations/inst-a/resources", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "no token")
}
