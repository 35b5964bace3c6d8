package agent

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/handler/common"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 跨域由 CORS 中间件控制
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream 通过 websocket 实时推送该Agent新接收的样本
// 订阅者过慢时由 Hub 丢弃消息，不影响接入
func (h *AgentHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		common.Fail(c, system.NewNotFoundError(nil, "live stream is disabled"), "handler.agent.Stream")
		return
	}
	agentID := c.Param("id")
	if _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		common.Fail(c, err, "handler.agent.Stream")
		return
	}

	// 先订阅再升级，握手完成后的样本不会漏掉
	samples, cancel := h.hub.Subscribe(agentID)
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"operation": "stream",
			"option":    "upgrade",
			"func_name": "handler.agent.Stream",
			"agent_id":  agentID,
			"error":     err.Error(),
		}).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger.WithFields(logrus.Fields{
		"path":        c.Request.URL.Path,
		"operation":   "stream",
		"option":      "subscribe",
		"func_name":   "handler.agent.Stream",
		"agent_id":    agentID,
		"subscribers": h.hub.Subscribers(agentID),
	}).Info("stream subscriber connected")

	// 读协程只处理 pong 和关闭帧
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(sample); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
