package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/chat"
	"github.com/RichardoC/zik/internal/config"
	"github.com/RichardoC/zik/internal/conversation"
	"github.com/RichardoC/zik/internal/db"
	"github.com/RichardoC/zik/internal/models"
	"github.com/RichardoC/zik/internal/relay"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Titler names a chat from its first message.
type Titler interface {
	Title(ctx context.Context, content string) string
}

type Handler struct {
	store        db.Store
	chats        *chat.Manager
	titles       Titler
	models       []config.Model
	defaultModel string
	logger       *zap.Logger

	// titling tracks background title generation.
	titling sync.WaitGroup
}

type Options struct {
	Store        db.Store
	Chats        *chat.Manager
	Titles       Titler
	Models       []config.Model
	DefaultModel string
	Logger       *zap.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		store:        opts.Store,
		chats:        opts.Chats,
		titles:       opts.Titles,
		models:       opts.Models,
		defaultModel: opts.DefaultModel,
		logger:       opts.Logger,
	}
}

// Wait blocks until background title generation is done.
func (h *Handler) Wait() {
	h.titling.Wait()
}

type CreateConversationRequest struct {
	Title  string `json:"title"`
	Model  string `json:"model"`
	Plugin string `json:"plugin"`
}

type UpdateConversationRequest struct {
	Title  *string `json:"title"`
	Model  *string `json:"model"`
	Plugin *string `json:"plugin"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type SelectBranchRequest struct {
	NodeID conversation.NodeID `json:"node_id" binding:"required"`
	Index  int                 `json:"index"`
}

type SystemMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) hasModel(name string) bool {
	for _, m := range h.models {
		if m.Name == name {
			return true
		}
	}
	return false
}

func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.models, "default": h.defaultModel})
}

func (h *Handler) ListConversations(c *gin.Context) {
	chats, err := h.store.ListChats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Debug("Retrieved conversations", zap.Int("count", len(chats)))
	c.JSON(http.StatusOK, gin.H{"conversations": chats})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}
	if !h.hasModel(req.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown model " + req.Model})
		return
	}

	ch := &models.Chat{Title: req.Title, Model: req.Model, Plugin: req.Plugin}
	if err := h.store.CreateChat(c.Request.Context(), ch); err != nil {
		h.logger.Error("Failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	// starts the tree with its system message
	if _, err := h.chats.Get(c.Request.Context(), ch.ID); err != nil {
		h.logger.Error("Failed to start conversation", zap.String("conversation", ch.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, ch)
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ch, ok := h.lookup(c)
	if !ok {
		return
	}

	modelChanged := false
	if req.Title != nil {
		ch.Title = *req.Title
	}
	if req.Plugin != nil {
		ch.Plugin = *req.Plugin
	}
	if req.Model != nil && *req.Model != ch.Model {
		if !h.hasModel(*req.Model) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown model " + *req.Model})
			return
		}
		ch.Model = *req.Model
		modelChanged = true
	}

	if err := h.store.UpdateChat(c.Request.Context(), ch); err != nil {
		h.storeError(c, err)
		return
	}
	if modelChanged {
		// the next turn resolves the new backend
		if err := h.chats.Forget(ch.ID); err != nil {
			h.logger.Warn("Failed to close previous session", zap.String("conversation", ch.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, ch)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.chats.Forget(id); err != nil {
		h.logger.Warn("Failed to close conversation", zap.String("conversation", id), zap.Error(err))
	}
	if err := h.store.DeleteChat(c.Request.Context(), id); err != nil {
		h.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetMessages(c *gin.Context) {
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": ctrl.Messages()})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	ch, ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	first := !hasUserTurn(ctrl.Messages())
	h.stream(c, func(sink relay.Sink) (*chat.Turn, error) {
		turn, err := ctrl.Send(c.Request.Context(), req.Content, sink)
		if err == nil && first && ch.Title == "" {
			h.nameChat(ch.ID, req.Content)
		}
		return turn, err
	})
}

func (h *Handler) EditMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	node := conversation.NodeID(c.Param("node"))
	h.stream(c, func(sink relay.Sink) (*chat.Turn, error) {
		return ctrl.Edit(c.Request.Context(), node, req.Content, sink)
	})
}

func (h *Handler) Regenerate(c *gin.Context) {
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	h.stream(c, func(sink relay.Sink) (*chat.Turn, error) {
		return ctrl.Regenerate(c.Request.Context(), sink)
	})
}

func (h *Handler) SelectBranch(c *gin.Context) {
	var req SelectBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	selected, err := ctrl.SelectBranch(c.Request.Context(), req.NodeID, req.Index)
	if err != nil {
		h.logger.Error("Failed to persist branch selection", zap.String("conversation", ctrl.ID()), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"selected": selected, "messages": ctrl.Messages()})
}

func (h *Handler) Stop(c *gin.Context) {
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.Stop()
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetSystemMessage(c *gin.Context) {
	var req SystemMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	_, ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	if err := ctrl.SetSystemMessage(c.Request.Context(), req.Content); err != nil {
		h.logger.Error("Failed to persist system message", zap.String("conversation", ctrl.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// stream starts a turn and relays it as server-sent events. Errors raised
// before the turn starts are plain JSON responses.
func (h *Handler) stream(c *gin.Context, start func(relay.Sink) (*chat.Turn, error)) {
	sink := relay.NewChanSink(64)
	turn, err := start(sink)
	if err != nil {
		h.turnError(c, err)
		return
	}

	// a client that goes away stops its own turn, keeping the partial reply
	go func() {
		select {
		case <-c.Request.Context().Done():
			turn.Stop()
		case <-turn.Done():
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// drain to the end even when writes fail so the turn never blocks
	for ev := range sink.Events() {
		c.Render(-1, sse.Event{Event: string(ev.Type), Data: ev})
		c.Writer.Flush()
	}
}

func (h *Handler) nameChat(id, content string) {
	if h.titles == nil {
		return
	}
	h.titling.Add(1)
	go func() {
		defer h.titling.Done()
		ctx := context.Background()

		title := h.titles.Title(ctx, content)
		ch, err := h.store.GetChat(ctx, id)
		if err != nil {
			h.logger.Warn("Chat disappeared before it was named", zap.String("conversation", id), zap.Error(err))
			return
		}
		if ch.Title != "" {
			return
		}
		ch.Title = title
		if err := h.store.UpdateChat(ctx, ch); err != nil {
			h.logger.Warn("Failed to store title", zap.String("conversation", id), zap.Error(err))
		}
	}()
}

func hasUserTurn(entries []conversation.Entry) bool {
	for _, e := range entries {
		if e.Role == conversation.RoleUser {
			return true
		}
	}
	return false
}

func (h *Handler) lookup(c *gin.Context) (*models.Chat, bool) {
	ch, err := h.store.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return nil, false
	}
	return ch, true
}

func (h *Handler) controller(c *gin.Context) (*models.Chat, *chat.Controller, bool) {
	ch, ok := h.lookup(c)
	if !ok {
		return nil, nil, false
	}
	ctrl, err := h.chats.Get(c.Request.Context(), ch.ID)
	if err != nil {
		h.logger.Error("Failed to open conversation", zap.String("conversation", ch.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open conversation"})
		return nil, nil, false
	}
	return ch, ctrl, true
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	h.logger.Error("Store operation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func (h *Handler) turnError(c *gin.Context, err error) {
	var ce *backend.ConfigurationError
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is empty"})
	case errors.As(err, &ce):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": relay.Describe(err)})
	case errors.Is(err, conversation.ErrUnknownNode):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
	case errors.Is(err, conversation.ErrNotUserTurn):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only user messages can be edited"})
	case errors.Is(err, chat.ErrNothingToRegenerate):
		c.JSON(http.StatusConflict, gin.H{"error": "Nothing to regenerate"})
	default:
		h.logger.Error("Failed to start turn", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": strings.TrimSpace(err.Error())})
	}
}
