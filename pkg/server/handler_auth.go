package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/parley/pkg/usecase/account"
)

func (s *Server) handleRegister(c *gin.Context) {
	if s.account == nil {
		respondError(c, http.StatusNotImplemented, "account management is not configured")
		return
	}

	var input account.RegisterInput
	if !parseJSON(c, &input, false) {
		return
	}

	user, err := s.account.Register(c.Request.Context(), input)
	if err != nil {
		handleError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, gin.H{
		"message": "User created successfully",
		"uid":     user.UID,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}
	if s.account == nil {
		respondError(c, http.StatusNotImplemented, "account management is not configured")
		return
	}

	if err := s.account.Logout(c.Request.Context(), identity); err != nil {
		handleError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"message": "Successfully logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	resp := gin.H{"uid": identity.UID, "email": nil}
	if identity.Email != "" {
		resp["email"] = identity.Email
	}
	respondJSON(c, http.StatusOK, resp)
}
