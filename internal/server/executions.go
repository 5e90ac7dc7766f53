package server

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"staqflow/internal/automation"
	"staqflow/internal/logging"
)

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleListExecutions(c *gin.Context) {
	s.listExecutions(c, c.Param("id"))
}

func (s *Server) handleListAllExecutions(c *gin.Context) {
	s.listExecutions(c, c.Query("automationId"))
}

func (s *Server) listExecutions(c *gin.Context, automationID string) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	execs, err := s.store.ListExecutions(c.Request.Context(), automationID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "totalCount": len(execs)})
}

func (s *Server) handleExecutionStats(c *gin.Context) {
	stats, err := s.store.ExecutionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHub fans execution lifecycle updates out to websocket subscribers.
type streamHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	closed bool
	logger logging.Logger
}

func newStreamHub() *streamHub {
	return &streamHub{
		conns:  make(map[*websocket.Conn]bool),
		logger: logging.NewComponentLogger("ExecutionStream"),
	}
}

// Broadcast pushes one execution update to every subscriber. Write failures
// evict the connection.
func (h *streamHub) Broadcast(exec *automation.Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(exec); err != nil {
			h.logger.Debug("Dropping stream subscriber: %v", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *streamHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = true
	return true
}

func (h *streamHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Close evicts all subscribers and refuses new ones.
func (h *streamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
}

func (s *Server) handleExecutionStream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	if !s.stream.add(conn) {
		conn.Close()
		return
	}

	// The read loop exists only to detect disconnects; clients don't send.
	go func() {
		defer func() {
			s.stream.remove(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
