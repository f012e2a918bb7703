package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/governor"
)

func newAdminHandler(t *testing.T) (*AdminHandler, *handlerEnv) {
	t.Helper()
	env := newHandlerEnv(t)
	h := NewAdminHandler(env.governor, env.degrade, env.cache, env.queue, env.dedup, env.ledger, zap.NewNop())
	return h, env
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// principalRequest 构造带 {principal} 路径参数的请求。
func principalRequest(path, principal string) (*httptest.ResponseRecorder, *http.Request) {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.SetPathValue("principal", principal)
	return httptest.NewRecorder(), r
}

// =============================================================================
// 🧪 AdminHandler 测试
// =============================================================================

func TestAdminHandler_HandleBudget(t *testing.T) {
	h, _ := newAdminHandler(t)

	w, r := principalRequest("/admin/budget/tenant-a", "tenant-a")
	h.HandleBudget(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeData[governor.Snapshot](t, w)
	assert.Equal(t, "tenant-a", snap.Principal)
	assert.Zero(t, snap.Spend)
	assert.Greater(t, snap.HardLimit, 0.0)
}

func TestAdminHandler_HandleBudget_UnknownPrincipal(t *testing.T) {
	h, _ := newAdminHandler(t)

	w, r := principalRequest("/admin/budget/nobody", "nobody")
	h.HandleBudget(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminHandler_HandleUsage(t *testing.T) {
	h, env := newAdminHandler(t)

	// 先走一次完整请求产生用量
	rh := NewRespondHandler(env.orch, zap.NewNop())
	first := postRespond(t, rh, `{"principal":"tenant-a","query":"how do I export my invoices"}`)
	require.Equal(t, http.StatusOK, first.Code)

	w, r := principalRequest("/admin/usage/tenant-a?window=daily", "tenant-a")
	h.HandleUsage(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData[map[string]any](t, w)
	assert.Equal(t, "tenant-a", data["principal"])
	assert.Equal(t, "daily", data["window"])
	cost, ok := data["cost"].(float64)
	require.True(t, ok)
	assert.Greater(t, cost, 0.0)
}

func TestAdminHandler_HandleDegradation(t *testing.T) {
	h, _ := newAdminHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/degradation", nil)
	h.HandleDegradation(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	view := decodeData[degradationView](t, w)
	assert.Equal(t, int(degradation.LevelNormal), view.Level)
	assert.Equal(t, "normal", view.Name)
	assert.Equal(t, 1.0, view.BudgetMultiplier)
	assert.Zero(t, view.DeferredQueueLen)
}

func TestAdminHandler_HandleOverride(t *testing.T) {
	h, env := newAdminHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/degradation", strings.NewReader(`{"level":"severe"}`))
	h.HandleOverride(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, degradation.LevelSevere, env.degrade.Level())

	// 清除覆盖后恢复自动评估
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/admin/degradation", strings.NewReader(`{"clear":true}`))
	h.HandleOverride(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, degradation.LevelNormal, env.degrade.Level())
}

func TestAdminHandler_HandleOverride_UnknownLevel(t *testing.T) {
	h, _ := newAdminHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/degradation", strings.NewReader(`{"level":"apocalyptic"}`))
	h.HandleOverride(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminHandler_HandleCacheStats(t *testing.T) {
	h, _ := newAdminHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
	h.HandleCacheStats(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
}

func TestAdminHandler_HandleGlobalBudget(t *testing.T) {
	h, _ := newAdminHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/budget", nil)
	h.HandleGlobalBudget(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData[map[string]float64](t, w)
	assert.Zero(t, data["global_utilization"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		want  degradation.Level
		valid bool
	}{
		{"normal", degradation.LevelNormal, true},
		{"minor", degradation.LevelMinor, true},
		{"Moderate", degradation.LevelModerate, true},
		{"SEVERE", degradation.LevelSevere, true},
		{"critical", degradation.LevelCritical, true},
		{"apocalyptic", degradation.LevelNormal, false},
		{"", degradation.LevelNormal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := parseLevel(tt.name)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.want, level)
			}
		})
	}
}
