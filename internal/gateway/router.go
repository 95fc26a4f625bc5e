// Package gateway exposes the bridge over HTTP and streams topic events over
// WebSocket.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/approval"
	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/bridge"
	apperrors "github.com/kandev/codexbridge/internal/common/errors"
	"github.com/kandev/codexbridge/internal/common/httpmw"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/events/bus"
)

const serverName = "control-api"

// Service is the bridge surface the API drives.
type Service interface {
	BindProject(ctx context.Context, topic types.TopicKey, dir string) error
	Topic(ctx context.Context, topic types.TopicKey) (*bridge.TopicView, error)
	Runs() []types.RunInfo
	StartRun(ctx context.Context, topic types.TopicKey, prompt string) (*supervisor.Run, error)
	Cancel(ctx context.Context, topic types.TopicKey) error
	SendInput(topic types.TopicKey, text string) error
	Decide(ctx context.Context, topic types.TopicKey, decision string) (approval.Result, error)
}

// NewRouter builds the gin engine with every control API route.
func NewRouter(svc Service, eventBus bus.EventBus, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "bus_connected": eventBus.IsConnected()})
	})

	h := &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "gateway")),
	}
	stream := NewStreamHandler(eventBus, log)

	api := router.Group("/api/v1")
	api.GET("/runs", h.httpListRuns)

	topic := api.Group("/topics/:chat/:thread")
	topic.GET("", h.httpGetTopic)
	topic.PUT("/project", h.httpBindProject)
	topic.POST("/runs", h.httpStartRun)
	topic.POST("/cancel", h.httpCancel)
	topic.POST("/input", h.httpSendInput)
	topic.POST("/approval", h.httpDecide)
	topic.GET("/stream", func(c *gin.Context) {
		key, ok := topicParam(c)
		if !ok {
			return
		}
		stream.HandleConnection(c, key)
	})
	return router
}

// topicParam parses the :chat/:thread path segments, answering 400 on failure.
func topicParam(c *gin.Context) (types.TopicKey, bool) {
	key, err := types.ParseTopicKey(c.Param("chat"), c.Param("thread"))
	if err != nil {
		writeError(c, nil, apperrors.BadRequest(err.Error()))
		return types.TopicKey{}, false
	}
	return key, true
}

// writeError answers with the AppError carried by err, or a 500.
func writeError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("request failed", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
}
