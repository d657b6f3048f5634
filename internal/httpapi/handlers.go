package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"scribes/internal/assistant"
	"scribes/internal/ingest"
)

const retryAfterSeconds = "30"

type queryRequest struct {
	Query           string `json:"query"`
	IncludeMetadata *bool  `json:"include_metadata,omitempty"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	RetryAfter    int    `json:"retry_after,omitempty"`
	CircuitStatus any    `json:"circuit_status,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: assistant.ValidationMessage,
		})
	}
	includeMetadata := true
	if req.IncludeMetadata != nil {
		includeMetadata = *req.IncludeMetadata
	}

	resp, err := s.assistant.Query(c.Request().Context(), req.Query, userID, includeMetadata)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, assistant.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: assistant.ValidationMessage,
		})
	case errors.Is(err, assistant.ErrServiceUnavailable):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:         "service_unavailable",
			Message:       "The assistant is temporarily unavailable. Please try again shortly.",
			RetryAfter:    30,
			CircuitStatus: s.assistant.CircuitStatus(),
		})
	case c.Request().Context().Err() != nil:
		// client went away; nothing useful to write
		return nil
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("query failed unexpectedly")
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: "Something went wrong. Please try again.",
		})
	}
}

func (s *Server) handleCircuitHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.assistant.CircuitStatus())
}

func (s *Server) handleCircuitReset(c echo.Context) error {
	if _, err := s.resolveUser(c); err != nil {
		return err
	}
	s.assistant.ResetCircuit()
	return c.JSON(http.StatusOK, s.assistant.CircuitStatus())
}

func (s *Server) handleCacheStats(c echo.Context) error {
	if _, err := s.resolveUser(c); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.assistant.CacheStats())
}

func (s *Server) handleUserStats(c echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}
	stats, err := s.store.UserStats(c.Request().Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("user stats failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: "Could not load corpus statistics.",
		})
	}
	return c.JSON(http.StatusOK, stats)
}

// handleNoteWritten is the ingestion contract endpoint the note service
// calls after persisting a note. Idempotent.
func (s *Server) handleNoteWritten(c echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}
	var note ingest.Note
	if err := c.Bind(&note); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: "Malformed note payload.",
		})
	}
	note.UserID = userID
	if err := s.pipeline.OnNoteWritten(c.Request().Context(), note); err != nil {
		log.Error().Err(err).Str("note_id", note.ID).Msg("note ingestion failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "ingestion_failed",
			Message: "The note was saved but could not be indexed.",
		})
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleNoteDeleted(c echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}
	noteID := c.Param("id")
	if noteID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: "Note id is required.",
		})
	}
	if err := s.pipeline.OnNoteDeleted(c.Request().Context(), userID, noteID); err != nil {
		log.Error().Err(err).Str("note_id", noteID).Msg("note deletion failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "deletion_failed",
			Message: "The note's index entries could not be removed.",
		})
	}
	return c.NoContent(http.StatusNoContent)
}
