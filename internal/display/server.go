package display

import (
	"net/http"
	"sync"
	"time"

	"genfity-pos-terminal/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Display modes mirror the web terminal's customer display screen.
const (
	ModeIdle        = "IDLE"
	ModeCart        = "CART"
	ModeOrderReview = "ORDER_REVIEW"
	ModeThankYou    = "THANK_YOU"
)

var allowedModes = map[string]struct{}{
	ModeIdle:        {},
	ModeCart:        {},
	ModeOrderReview: {},
	ModeThankYou:    {},
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type State struct {
	Mode      string    `json:"mode"`
	Payload   any       `json:"payload"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(value)
}

// Server drives the customer-facing display on the counter: the POS controller
// publishes state, connected display devices mirror it over a local WebSocket.
type Server struct {
	logger *zap.Logger

	mu    sync.RWMutex
	state State
	subs  map[*wsClient]struct{}
}

func New(logger *zap.Logger) *Server {
	return &Server{
		logger: logger,
		state:  State{Mode: ModeIdle, UpdatedAt: time.Now()},
		subs:   make(map[*wsClient]struct{}),
	}
}

// Publish replaces the display state and pushes it to every connected display.
// Unknown modes are dropped.
func (s *Server) Publish(mode string, payload any) {
	if _, ok := allowedModes[mode]; !ok {
		s.logger.Warn("display mode rejected", zap.String("mode", mode))
		return
	}

	s.mu.Lock()
	s.state = State{Mode: mode, Payload: payload, UpdatedAt: time.Now()}
	state := s.state
	clients := make([]*wsClient, 0, len(s.subs))
	for c := range s.subs {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	message := map[string]any{"type": "display.state", "data": state}
	for _, c := range clients {
		if err := c.writeJSON(message); err != nil {
			_ = c.conn.Close()
			s.mu.Lock()
			delete(s.subs, c)
			s.mu.Unlock()
		}
	}
}

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handler builds the local HTTP surface: a state endpoint for displays that
// poll and a WebSocket for those that subscribe.
func (s *Server) Handler(env string, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	if env == "development" || len(corsOrigins) > 0 {
		options := cors.Options{
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}
		if env == "development" {
			options.AllowOriginFunc = func(_ *http.Request, origin string) bool { return true }
		} else {
			options.AllowedOrigins = corsOrigins
		}
		r.Use(cors.Handler(options))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/display/state", func(w http.ResponseWriter, r *http.Request) {
		response.Success(w, s.State())
	})

	r.Get("/ws/display", s.displayWS)

	return r
}

func (s *Server) displayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.subs[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, client)
		s.mu.Unlock()
	}()

	// Initial snapshot so a display that just connected is correct
	// immediately.
	if err := client.writeJSON(map[string]any{"type": "display.state", "data": s.State()}); err != nil {
		return
	}

	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	select {
	case <-clientClosed:
	case <-r.Context().Done():
	}
}
