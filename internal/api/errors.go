package api

import (
	stderrors "errors"
	"net/http"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/session"
	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/gin-gonic/gin"
)

// toAppError maps domain errors onto the structured HTTP error bodies
func toAppError(err error) *errors.AppError {
	var appErr *errors.AppError
	var rejected *session.NonceRejectedError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.As(err, &rejected):
		return errors.UnauthorizedWithDetails(errors.CodeNonceInvalid, "Nonce is invalid, expired or exhausted; initialize a new session in the room", gin.H{
			"sessionId": rejected.SessionID,
			"roomId":    rejected.RoomID,
		})
	case stderrors.Is(err, session.ErrNonceRejected):
		return errors.NewUnauthorizedError(errors.CodeNonceInvalid, "Nonce is invalid, expired or exhausted")
	case stderrors.Is(err, character.ErrNotFound):
		return errors.NewNotFoundError(errors.CodeCharacterMissing, "Character not found")
	case stderrors.Is(err, session.ErrSessionNotFound):
		return errors.NewNotFoundError(errors.CodeSessionMissing, "Session not found")
	case stderrors.Is(err, character.ErrInvalid), stderrors.Is(err, session.ErrEmptyMessage), stderrors.Is(err, memory.ErrInvalidMemory):
		return errors.NewBadRequestError(errors.CodeValidation, err.Error())
	case stderrors.Is(err, session.ErrRoomOwned):
		return errors.NewConflictError(errors.CodeForbiddenOwner, "Room belongs to another character")
	case stderrors.Is(err, resilience.ErrCircuitOpen):
		return errors.NewServiceUnavailableError(errors.CodeCircuitOpen, "Service temporarily unavailable")
	case stderrors.Is(err, llm.ErrResponseTimeout):
		return errors.NewGatewayTimeoutError(errors.CodeResponseTimeout, "The character took too long to answer")
	case stderrors.Is(err, resilience.ErrRetriesExhausted):
		return errors.NewServiceUnavailableError(errors.CodeRetriesExhausted, "The character could not answer")
	case stderrors.Is(err, session.ErrClosed):
		return errors.NewError(http.StatusServiceUnavailable, errors.CodeInternal, "Server is shutting down")
	}
	return errors.NewInternalServerError(errors.CodeInternal, "An unexpected error occurred")
}

// fail records the error for errors.ErrorHandler and aborts the chain
func fail(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.FromContext(c).LogError(err, "Request failed", "path", c.Request.URL.Path)
	}
	_ = c.Error(appErr)
	c.Abort()
}
