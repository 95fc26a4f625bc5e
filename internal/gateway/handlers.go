package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/codexbridge/internal/common/errors"
	"github.com/kandev/codexbridge/internal/common/logger"
)

// Handlers implements the topic and run routes.
type Handlers struct {
	service Service
	logger  *logger.Logger
}

func (h *Handlers) httpListRuns(c *gin.Context) {
	runs := h.service.Runs()
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (h *Handlers) httpGetTopic(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	view, err := h.service.Topic(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type bindProjectRequest struct {
	ProjectDir string `json:"project_dir"`
}

func (h *Handlers) httpBindProject(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	var body bindProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if err := h.service.BindProject(c.Request.Context(), key, body.ProjectDir); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": key.String(), "project_dir": body.ProjectDir})
}

type startRunRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handlers) httpStartRun(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	var body startRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	run, err := h.service.StartRun(c.Request.Context(), key, body.Prompt)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "topic": key.String(), "command": run.Command})
}

func (h *Handlers) httpCancel(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	if err := h.service.Cancel(c.Request.Context(), key); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": key.String(), "cancelled": true})
}

type sendInputRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) httpSendInput(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	var body sendInputRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if err := h.service.SendInput(key, body.Text); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": key.String(), "sent": true})
}

type decideRequest struct {
	Decision string `json:"decision"`
}

func (h *Handlers) httpDecide(c *gin.Context) {
	key, ok := topicParam(c)
	if !ok {
		return
	}
	var body decideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	res, err := h.service.Decide(c.Request.Context(), key, body.Decision)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	resp := gin.H{
		"topic":    key.String(),
		"decision": res.Decision,
		"mode":     res.Mode,
		"command":  res.Pending.Command,
	}
	if res.Run != nil {
		resp["run_id"] = res.Run.ID
	}
	c.JSON(http.StatusOK, resp)
}
