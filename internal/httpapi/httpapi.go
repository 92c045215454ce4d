// Package httpapi wires the External Interfaces (spec.md §6) onto a gin
// engine: the ACP envelope endpoint, the SSE subscribe endpoint, connection
// lifecycle, and the supplemented sessions listing.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/problem"
	"github.com/kandev/acp-runtime/internal/acp/registry"
	"github.com/kandev/acp-runtime/internal/acp/router"
	"github.com/kandev/acp-runtime/internal/acp/sse"
	"github.com/kandev/acp-runtime/internal/common/logger"
)

// Server holds the dependencies the HTTP surface routes against.
type Server struct {
	registry      *registry.Registry
	router        *router.Router
	log           *logger.Logger
	shutdownGrace time.Duration
	sseKeepalive  time.Duration
}

// New constructs a Server and registers its routes onto engine.
func New(engine *gin.Engine, reg *registry.Registry, rt *router.Router, log *logger.Logger, shutdownGrace, sseKeepalive time.Duration) *Server {
	s := &Server{
		registry:      reg,
		router:        rt,
		log:           log,
		shutdownGrace: shutdownGrace,
		sseKeepalive:  sseKeepalive,
	}
	s.routes(engine)
	return s
}

func (s *Server) routes(engine *gin.Engine) {
	engine.GET("/v1/health", s.handleHealth)
	engine.GET("/v1/acp", s.handleList)
	engine.POST("/v1/acp/:connection_id", s.handlePost)
	engine.GET("/v1/acp/:connection_id", s.handleSubscribe)
	engine.DELETE("/v1/acp/:connection_id", s.handleDelete)
	engine.GET("/v1/acp/:connection_id/sessions", s.handleSessions)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.registry.List()})
}

// handlePost implements POST /v1/acp/{connection_id}[?agent=<agent_id>]
// (spec.md §6): Content-Type validation, envelope parse, and dispatch.
func (s *Server) handlePost(c *gin.Context) {
	connectionID := c.Param("connection_id")

	contentType := c.ContentType()
	if contentType != "" && contentType != "application/json" {
		writeProblem(c, problem.New(problem.KindUnsupportedMedia, "Content-Type must be application/json"))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		writeProblem(c, problem.New(problem.KindInvalidRequest, "could not read request body"))
		return
	}

	agentID := events.AgentID(c.Query("agent"))
	conn, err := s.router.OpenConnection(connectionID, agentID)
	if err != nil {
		writeErr(c, err)
		return
	}

	dispatch, err := s.router.HandleEnvelope(c.Request.Context(), conn, body)
	if err != nil {
		writeErr(c, err)
		return
	}

	if dispatch.Body != nil {
		c.Data(dispatch.StatusCode, "application/json", dispatch.Body)
		return
	}
	c.Status(dispatch.StatusCode)
}

// handleSubscribe implements GET /v1/acp/{connection_id} as an SSE stream
// (spec.md §4.6, §6): Accept validation, Last-Event-ID replay, single
// active subscriber enforcement.
func (s *Server) handleSubscribe(c *gin.Context) {
	connectionID := c.Param("connection_id")

	accept := c.GetHeader("Accept")
	if accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		writeProblem(c, problem.New(problem.KindNotAcceptable, "Accept header must include text/event-stream"))
		return
	}

	conn, ok := s.registry.Get(connectionID)
	if !ok {
		writeProblem(c, problem.New(problem.KindSessionNotFound, "no such connection"))
		return
	}

	lastEventID, err := sse.ParseLastEventID(c.GetHeader("Last-Event-ID"))
	if err != nil {
		writeErr(c, err)
		return
	}

	// Claim the single-subscriber slot before writing any response header,
	// so a duplicate-subscriber Conflict can still be written as a proper
	// 409 instead of being swallowed by already-committed SSE headers.
	if !conn.TryClaimSSE() {
		writeProblem(c, problem.New(problem.KindConflict, "connection already has an active SSE subscriber"))
		return
	}
	defer conn.ReleaseSSE()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	_ = sse.StreamClaimed(c.Request.Context(), conn, lastEventID, s.sseKeepalive, c.Writer, flush)
}

// handleDelete implements DELETE /v1/acp/{connection_id}: always 204
// (spec.md §4.4, §6 — idempotent, scenario S7).
func (s *Server) handleDelete(c *gin.Context) {
	connectionID := c.Param("connection_id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.shutdownGrace+time.Second)
	defer cancel()
	s.registry.Delete(ctx, connectionID, s.shutdownGrace)
	c.Status(http.StatusNoContent)
}

// handleSessions implements the supplemented GET
// /v1/acp/{connection_id}/sessions (SPEC_FULL.md).
func (s *Server) handleSessions(c *gin.Context) {
	connectionID := c.Param("connection_id")
	conn, ok := s.registry.Get(connectionID)
	if !ok {
		writeProblem(c, problem.New(problem.KindSessionNotFound, "no such connection"))
		return
	}

	sessions := conn.Sessions()
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"sessionId":       sess.SessionID,
			"nativeSessionId": sess.NativeSessionID,
			"ended":           sess.Ended(),
			"eventCount":      sess.EventCount(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func writeErr(c *gin.Context, err error) {
	if perr, ok := err.(*problem.Error); ok {
		writeProblem(c, perr.Document())
		return
	}
	writeProblem(c, problem.New(problem.KindStreamError, err.Error()))
}

func writeProblem(c *gin.Context, doc *problem.Document) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(doc.Status, doc)
}
