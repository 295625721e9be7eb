package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/parley/pkg/model"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	var req createConversationRequest
	if !parseJSON(c, &req, true) {
		return
	}

	conv, err := s.conversations.Create(c.Request.Context(), identity.UID, req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	convs, err := s.conversations.List(c.Request.Context(), identity.UID)
	if err != nil {
		handleError(c, err)
		return
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	respondJSON(c, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	conv, err := s.conversations.Get(c.Request.Context(), model.ConversationID(c.Param("id")), identity.UID)
	if err != nil {
		handleError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, conv)
}

func (s *Server) handleListMessages(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	msgs, err := s.conversations.Messages(c.Request.Context(), model.ConversationID(c.Param("id")), identity.UID)
	if err != nil {
		handleError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	respondJSON(c, http.StatusOK, msgs)
}

func (s *Server) handleUpdateConversation(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	var update model.ConversationUpdate
	if !parseJSON(c, &update, true) {
		return
	}

	conv, err := s.conversations.Update(c.Request.Context(), model.ConversationID(c.Param("id")), identity.UID, update)
	if err != nil {
		handleError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{
		"message":      "Conversation updated successfully",
		"conversation": conv,
	})
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	if err := s.conversations.Delete(c.Request.Context(), model.ConversationID(c.Param("id")), identity.UID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
