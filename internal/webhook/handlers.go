package webhook

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/engine"
)

// payload accepts both the nested post form and the flat fields of a
// native Mattermost outgoing webhook.
type payload struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
	Post      struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		UserID    string `json:"user_id"`
		ChannelID string `json:"channel_id"`
	} `json:"post"`

	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (p payload) inbound() engine.Inbound {
	in := engine.Inbound{
		Text:      p.Post.Message,
		ChannelID: p.ChannelID,
		PostID:    p.Post.ID,
		SenderID:  p.Post.UserID,
	}
	if in.ChannelID == "" {
		in.ChannelID = p.Post.ChannelID
	}
	if in.PostID == "" {
		in.PostID = p.PostID
	}
	if in.SenderID == "" {
		in.SenderID = p.UserID
	}
	if in.Text == "" {
		in.Text = p.Text
	}
	return in
}

type handlers struct {
	engine Engine
	token  string
}

func (h *handlers) webhook(c *gin.Context) {
	var p payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid JSON body"})
		return
	}
	if h.token != "" && !tokenMatches(h.token, presentedToken(c, p)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid token"})
		return
	}

	in := p.inbound()
	if in.PostID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "post id is required"})
		return
	}

	outcome, err := h.engine.Ingest(c.Request.Context(), in)
	if err != nil {
		loggerFrom(c).Error().Err(err).Str("post", in.PostID).Msg("webhook: ingest")
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "ingest failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome.String()})
}

// presentedToken prefers the Authorization header over the body field.
func presentedToken(c *gin.Context, p payload) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return p.Token
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": h.engine.QueueLen()})
}

func (h *handlers) pending(c *gin.Context) {
	items := h.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}
