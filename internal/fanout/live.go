package fanout

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/tenant"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveMaxMsgSize = 4 * 1024
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// LiveServer streams a device's channels to a websocket viewer
type LiveServer struct {
	logger   *zap.Logger
	registry *Registry
}

// NewLiveServer creates a live server backed by registry
func NewLiveServer(registry *Registry, logger *zap.Logger) *LiveServer {
	return &LiveServer{
		logger:   logger.Named("live"),
		registry: registry,
	}
}

// Serve upgrades the request and forwards envelopes for deviceID until the viewer disconnects.
// The request context must carry the viewer's tenant scope.
func (l *LiveServer) Serve(w http.ResponseWriter, r *http.Request, deviceID string) {
	sub, err := l.registry.Subscribe(r.Context(), deviceID)
	if err != nil {
		status := http.StatusBadRequest
		if _, scopeErr := tenant.FromContext(r.Context()); scopeErr != nil {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer l.registry.Unsubscribe(sub)

	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("Failed to upgrade live connection", zap.Error(err))
		return
	}
	defer conn.Close()

	l.logger.Info("Live viewer connected",
		zap.String("tenant_id", sub.TenantID),
		zap.String("device_id", deviceID),
		zap.String("subscriber_id", sub.ID))

	conn.SetReadLimit(liveMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	// Viewers only listen; the read loop notices disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case env := <-sub.C():
			data, err := json.Marshal(env)
			if err != nil {
				l.logger.Error("Failed to marshal envelope", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(liveWriteWait))
			return
		case <-closed:
			l.logger.Info("Live viewer disconnected",
				zap.String("tenant_id", sub.TenantID),
				zap.String("device_id", deviceID),
				zap.Uint64("dropped", sub.Dropped()))
			return
		}
	}
}
