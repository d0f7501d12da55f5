package notify

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// RegisterWebsocketRoutes mounts GET /ws/refresh?owner=<id>. Each connection
// receives the refresh signals for one owner as JSON text frames.
func RegisterWebsocketRoutes(app fiber.Router, b *Broadcaster) {
	app.Use("/ws/refresh", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/refresh", websocket.New(func(conn *websocket.Conn) {
		serveRefresh(conn, b)
	}))
}

func serveRefresh(conn *websocket.Conn, b *Broadcaster) {
	owner := conn.Query("owner")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.Subscribe(ctx, owner)
	if err != nil {
		log.WithError(err).Warn("refresh subscribe failed")
		return
	}
	logger := log.WithField("owner", owner)
	logger.Debug("refresh client connected")

	// reader: detects client close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("refresh client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(ev.Payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
