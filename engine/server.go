// Server exposes the dashboard/API surface: a small gin REST API plus a
// gorilla/websocket live-event stream fed by the state store's
// subscriber fan-out. Grounded on brianmickel-battery-backtest's
// cmd/api/main.go (gin.Default(), a CORS middleware, one handler per
// concern) for the REST half, and on scheduler/server.go's WebServer
// (http.Server wrapping an upgrader, one goroutine per connection
// draining a channel) for the websocket half — generalized from that
// teacher's single broadcast channel to store.Store's bounded
// per-subscriber channels.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/override"
	"github.com/vantage-energy/ems-core/store"
)

// Server is the Engine's HTTP surface.
type Server struct {
	engine   *Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	start    time.Time
}

func newServer(e *Engine) *Server {
	return &Server{
		engine: e,
		start:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) start(port int) error {
	if port <= 0 {
		return nil
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/status", s.handleStatus)
	router.GET("/api/plan", s.handlePlan)
	router.GET("/api/decisions", s.handleDecisions)
	router.POST("/api/override/activate", s.handleOverrideActivate)
	router.POST("/api/override/cancel", s.handleOverrideCancel)
	router.POST("/api/departure/confirm", s.handleDepartureConfirm)
	router.GET("/api/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      cors.Default().Handler(router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.engine.logger.Printf("server: listen error: %v", err)
		}
	}()
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.start).String(),
		"is_running": s.engine.IsRunning(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.store.Snapshot())
}

func (s *Server) handlePlan(c *gin.Context) {
	snap := s.engine.store.Snapshot()
	if snap.Plan == nil {
		c.JSON(http.StatusOK, gin.H{"plan": nil})
		return
	}
	c.JSON(http.StatusOK, snap.Plan)
}

func (s *Server) handleDecisions(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.store.Snapshot().DecisionLog)
}

type activateOverrideRequest struct {
	VehicleName string `json:"vehicle_name" binding:"required"`
	Source      string `json:"source" binding:"required"`
}

func (s *Server) handleOverrideActivate(c *gin.Context) {
	var req activateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src := domain.OverrideFromDashboard
	if req.Source == string(domain.OverrideFromMessaging) {
		src = domain.OverrideFromMessaging
	}
	quiet := override.QuietHours{Enabled: s.engine.cfg.QuietHoursEnabled, StartHour: s.engine.cfg.QuietHoursStart, EndHour: s.engine.cfg.QuietHoursEnd}
	result := s.engine.override.Activate(req.VehicleName, src, time.Now(), quiet)
	if result.OK {
		o, _ := s.engine.override.Status()
		s.engine.store.SetOverride(o, true)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleOverrideCancel(c *gin.Context) {
	s.engine.override.Cancel()
	s.engine.store.SetOverride(domain.Override{}, false)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type confirmDepartureRequest struct {
	VehicleName string    `json:"vehicle_name" binding:"required"`
	Departure   time.Time `json:"departure" binding:"required"`
}

func (s *Server) handleDepartureConfirm(c *gin.Context) {
	var req confirmDepartureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.departures.Confirm(req.VehicleName, req.Departure)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleWebSocket upgrades the connection and streams store events until
// the client disconnects, using store.RunKeepalive to fold in 30s
// keepalives so the transport never idles out.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.engine.logger.Printf("websocket: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	handle, events := s.engine.store.RegisterSubscriber()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deliver := func(e store.Event) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(e)
	}
	s.engine.store.RunKeepalive(handle, events, deliver, done)
}
