package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcpbuild/mcpbuild/internal/common/errors"
	"github.com/mcpbuild/mcpbuild/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Store poll interval for new log rows.
	logPollInterval = 2 * time.Second

	// Maximum rows fetched per poll.
	logBatchLimit = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamLogs upgrades the connection to a WebSocket and tails the build's log
// rows, pushing each row as one JSON message.
// GET /api/builds/:id/logs/stream
func (h *Handler) StreamLogs(c *gin.Context) {
	buildID := c.Param("id")

	st := h.svc.BuildStore(buildID)
	if _, err := st.GetBuild(c.Request.Context(), buildID); err != nil {
		respondError(c, errors.NotFound("build", buildID))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("build_id", buildID), zap.Error(err))
		return
	}

	h.logger.Info("log stream opened", zap.String("build_id", buildID))
	go h.streamPump(conn, buildID, st)
}

// streamPump owns the hijacked connection: it polls the store for new rows
// and pushes them, interleaved with pings. The inner read loop drains client
// frames and handles pongs; its exit signals a closed peer. The request
// context does not outlive the handler, so polls run on their own context.
func (h *Handler) streamPump(conn *websocket.Conn, buildID string, st *store.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		conn.Close()
		h.logger.Info("log stream closed", zap.String("build_id", buildID))
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pollTicker := time.NewTicker(logPollInterval)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	var since time.Time
	for {
		select {
		case <-closed:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pollTicker.C:
			rows, err := st.ListLogsSince(ctx, buildID, since, logBatchLimit)
			if err != nil {
				h.logger.Warn("log poll failed",
					zap.String("build_id", buildID), zap.Error(err))
				continue
			}
			for i := range rows {
				row := &rows[i]
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(LogEvent{
					ID:        row.ID,
					StepID:    row.StepID,
					Stream:    row.Stream,
					Content:   row.Content,
					CreatedAt: row.CreatedAt,
				}); err != nil {
					return
				}
				since = row.CreatedAt
			}
		}
	}
}
