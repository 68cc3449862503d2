package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/broker"
	"kschat/backend/internal/chat"
	"kschat/backend/internal/config"
	"kschat/backend/internal/monitoring"
	"kschat/backend/internal/registry"
)

var testMetrics = monitoring.NewMetrics() // promauto 注册表全局唯一，测试共享一份

func newTestRouter(t *testing.T) (*gin.Engine, *auth.Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Chat: config.ChatConfig{
			SendRate:     10,
			SendBurst:    10,
			PingInterval: time.Hour,
			PongTimeout:  time.Hour,
		},
	}

	log := zap.NewNop()
	authn := auth.NewAuthenticator("test-secret-key-for-development-32-chars", "test", time.Hour)
	bridge := broker.NewBridge(nil, "chat.direct", "ks_", log)
	manager := chat.NewManager(authn, registry.New(), bridge, nil, cfg.Chat, cfg.CORS.AllowedOrigins, log)

	router := NewRouter(RouterDependencies{
		Config:        cfg,
		Authenticator: authn,
		Manager:       manager,
		Fanout:        nil,
		Metrics:       testMetrics,
		Logger:        log,
	})
	return router, authn
}

func TestRouter_Welcome(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kschat")
}

func TestRouter_LoginIssuesValidToken(t *testing.T) {
	router, authn := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/kschat?uid=u1&rid=u2", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		UID     string `json:"uid"`
		RID     string `json:"rid"`
		TokenID string `json:"tokenId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.UID)
	assert.Equal(t, "u2", resp.RID)

	// 签发的令牌必须能通过认证器验证并还原身份
	identity, err := authn.Authenticate(resp.TokenID)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity("u1"), identity)
}

func TestRouter_LoginRequiresUID(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/kschat", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
