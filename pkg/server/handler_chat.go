package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/usecase/chat"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

type contentFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// handleChatMessage streams one chat turn as server-sent events. Errors
// before the first byte map to status codes; after that the stream can
// only be ended with an error event.
func (s *Server) handleChatMessage(c *gin.Context) {
	identity := s.identify(c)
	if identity == nil {
		return
	}

	var input chat.SendInput
	if !parseJSON(c, &input, false) {
		return
	}

	ctx := c.Request.Context()
	turn, err := s.chat.BeginAs(ctx, identity, input)
	if err != nil {
		if state, ok := chat.FailedState(err); ok {
			logging.From(ctx).Debug("chat turn not started", "state", state.String(), "conversation_id", input.ConversationID)
		}
		handleError(c, err)
		return
	}

	sse, ok := newSSEWriter(c.Writer)
	if !ok {
		turn.Release()
		respondError(c, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	stopKeepalive := sse.Keepalive(s.keepalive)
	defer stopKeepalive()

	var writeErr error
	err = turn.Stream(ctx, func(fragment string) error {
		if err := sse.Data(contentFrame{Content: fragment}); err != nil {
			writeErr = err
			return err
		}
		return nil
	})

	switch {
	case err == nil:
	case writeErr != nil, ctx.Err() != nil:
		// caller is gone
	case errors.Is(err, model.ErrStorage):
		// the caller has the full answer; the loss is logged by the orchestrator
	default:
		logging.From(ctx).Warn("chat stream interrupted", "error", err, "state", turn.State().String())
		_ = sse.Event("error", errorFrame{Error: "stream interrupted"})
	}
}
