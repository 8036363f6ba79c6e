package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/conversations"
	"coursechat/internal/database"
	"coursechat/internal/hub"
	"coursechat/internal/router"
	ws "coursechat/internal/websocket"
	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/types"
)

const testSecret = "integration-secret"

// backend is the server side wired the way the application wires it, with
// the pieces exposed for assertions
type backend struct {
	db            *database.Manager
	conversations *conversations.Manager
	registry      *ws.Registry
	hub           *hub.Hub
	jwt           *auth.JWTService
	server        *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestDatabase opens a migrated database in a temp dir
func setupTestDatabase(t *testing.T) *database.Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "integration.db")

	db, err := database.NewManager(config, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database manager: %v", err)
		}
	})

	if _, err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func newBackend(t *testing.T, rateLimit int) *backend {
	t.Helper()

	db := setupTestDatabase(t)
	logger := quietLogger()
	jwt := auth.NewJWTService(testSecret, time.Hour)

	conv := conversations.NewManager(db, conversations.WithLogger(logger))
	registry := ws.NewRegistry()
	r := router.NewRouter(registry, conv,
		router.WithRateLimiter(router.NewRateLimiter(rateLimit, time.Minute)),
		router.WithLogger(logger),
	)
	h := hub.NewHub(registry, r, hub.WithLastSeenStore(db), hub.WithHeartbeat(0), hub.WithLogger(logger))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	handler := ws.NewHandler(registry, jwt, h, ws.WithUserDirectory(db), ws.WithLogger(logger))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	mux.Handle("/", api.NewServer(conv, db, registry, jwt, api.WithLogger(logger)))
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		for _, c := range registry.AllConnections() {
			_ = c.Close()
		}
		_ = h.Stop()
	})

	return &backend{db: db, conversations: conv, registry: registry, hub: h, jwt: jwt, server: server}
}

func (b *backend) token(t *testing.T, userID string, role types.Role) string {
	t.Helper()
	token, err := b.jwt.Generate(auth.Identity{UserID: userID, UserName: userID, Role: role})
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

// dial opens a raw socket for userID and joins their room
func (b *backend) dial(t *testing.T, userID string, role types.Role) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + b.token(t, userID, role)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Failed to dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendFrame(t, conn, types.EventJoin, userID)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		t.Fatalf("Failed to build frame: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to write %s frame: %v", event, err)
	}
}

// readUntil reads frames until match accepts one or the deadline passes
func readUntil(t *testing.T, conn *websocket.Conn, match func(types.Frame) bool) types.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("No matching frame before deadline: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

// expectSilence fails if a frame matching match arrives within d
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration, match func(types.Frame) bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if match(frame) {
			t.Fatalf("Unexpected frame %s: %s", frame.Event, frame.Data)
		}
	}
}

func isEvent(name string) func(types.Frame) bool {
	return func(f types.Frame) bool { return f.Event == name }
}

func isStatus(userID string, online bool) func(types.Frame) bool {
	return func(f types.Frame) bool {
		if f.Event != types.EventUserStatus {
			return false
		}
		var s types.StatusUpdate
		return json.Unmarshal(f.Data, &s) == nil && s.UserID == userID && s.IsOnline == online
	}
}
