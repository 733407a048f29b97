package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/registry"
	"github.com/loopback-labs/promptrelay/internal/security"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// sendResponse is the success body for a routed submission. The broker
// routes each submission to exactly one consumer, never more.
type sendResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ClientCount    int    `json:"clientCount"`
	TargetClientID int    `json:"targetClientId"`
	Timestamp      string `json:"timestamp"`
}

// handleSend is the prompt submission entrypoint. Pipeline: payload shape,
// source origin, rate limit, target resolution, dispatch. Validation and
// security failures reject before any registry access; side effects are
// confined to the one targeted client's counters.
func (s *Server) handleSend(c *gin.Context) {
	requestID := uuid.NewString()
	logger := s.logger.With(zap.String("request_id", requestID))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		// MaxBytesReader trips here for oversized bodies.
		s.reject(c, logger, newError(CodeValidation, "request body is unreadable or exceeds 1 MiB"))
		return
	}

	if err := protocol.ValidateSubmitBody(body); err != nil {
		s.reject(c, logger, newError(CodeValidation, "invalid request body: "+err.Error()))
		return
	}

	var req protocol.PromptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.reject(c, logger, newError(CodeValidation, "invalid request body: "+err.Error()))
		return
	}

	if err := security.ValidatePrompt(req.Prompt); err != nil {
		s.reject(c, logger, newError(CodeValidation, err.Error()))
		return
	}

	if err := security.ValidateSourceOrigin(req.URL); err != nil {
		s.reject(c, logger, newError(CodeSecurity, "prompts may only be captured from local or private origins"))
		return
	}

	callerKey := c.ClientIP()
	if !s.limiter.Allow(callerKey) {
		reset := s.limiter.ResetAfter(callerKey)
		c.Header("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
		s.reject(c, logger, newError(CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry in %s", reset.Round(time.Millisecond))))
		return
	}

	target, brokerErr := s.resolveTarget(&req)
	if brokerErr != nil {
		s.reject(c, logger, brokerErr)
		return
	}

	env, err := protocol.NewPromptEnvelope(&req)
	if err != nil {
		logger.Error("Failed to build prompt envelope", zap.Error(err))
		s.reject(c, logger, newError(CodeInternal, "internal server error"))
		return
	}

	bytesSent, err := target.Conn.WriteEnvelope(env)
	if err != nil {
		logger.Error("Failed to dispatch prompt",
			zap.Int("client_id", target.ID),
			zap.Error(err))
		s.reject(c, logger, newError(CodeInternal, "failed to deliver prompt to consumer"))
		return
	}
	s.registry.RecordSend(target.ID, bytesSent)
	promptsRoutedTotal.Inc()

	logger.Info("Prompt routed",
		zap.Int("client_id", target.ID),
		zap.Int("bytes", bytesSent),
		security.LogString("source_url", req.URL))

	c.JSON(http.StatusOK, sendResponse{
		Success:        true,
		Message:        fmt.Sprintf("Prompt sent to client %d", target.ID),
		ClientCount:    1,
		TargetClientID: target.ID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

// resolveTarget picks the dispatch target: the explicit target when one is
// supplied, otherwise the most recently active consumer. An empty registry
// and a stale explicit id are distinct failures so producers can tell
// "nothing is listening" from "that instance went away".
func (s *Server) resolveTarget(req *protocol.PromptRequest) (registry.Client, *Error) {
	if req.TargetClientID != nil {
		id := *req.TargetClientID
		if err := security.ValidateClientID(id); err != nil {
			return registry.Client{}, newError(CodeInvalidClientID, err.Error())
		}
		client, ok := s.registry.Get(id)
		if !ok {
			return registry.Client{}, newError(CodeClientNotFound,
				fmt.Sprintf("client %d is not connected", id))
		}
		return client, nil
	}

	client, ok := s.registry.MostRecentlyActive()
	if !ok {
		return registry.Client{}, newError(CodeNoConsumer, "no consumer is connected to receive prompts")
	}
	return client, nil
}

// reject writes a failure body and bumps the rejection counter.
func (s *Server) reject(c *gin.Context, logger *zap.Logger, err *Error) {
	submissionsRejectedTotal.WithLabelValues(string(err.Code)).Inc()
	logger.Warn("Submission rejected",
		zap.String("code", string(err.Code)),
		zap.String("reason", err.Message))
	c.JSON(err.HTTPStatus(), err)
}
