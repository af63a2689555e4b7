package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/types"
)

// ErrNotConnected is returned by Send when no extension is connected.
var ErrNotConnected = errors.New("extension not connected")

// IncomingMsg is a message from the extension: a host event, a reply to a
// command, a UI intent or the hello handshake.
type IncomingMsg struct {
	Type string `json:"type"`
	// Command reply fields
	ID      string          `json:"id,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	GroupID int             `json:"groupId,omitempty"`
	TabID   int             `json:"tabId,omitempty"`
	Windows json.RawMessage `json:"windows,omitempty"`
	Window  json.RawMessage `json:"window,omitempty"`
	// Event fields
	WindowID    int             `json:"windowId,omitempty"`
	OldWindowID int             `json:"oldWindowId,omitempty"`
	Tab         json.RawMessage `json:"tab,omitempty"`
	Group       json.RawMessage `json:"group,omitempty"`
	Changes     []string        `json:"changes,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	// Intent fields
	Name            string `json:"name,omitempty"`
	ExistingGroupID *int   `json:"existingGroupId,omitempty"`
	URL             string `json:"url,omitempty"`
}

// IsReply reports whether msg answers a command we sent.
func (m IncomingMsg) IsReply() bool {
	return m.OK != nil && m.Type == ""
}

// OutgoingMsg is a command to the extension, a broadcast, or the answer to
// a UI intent.
type OutgoingMsg struct {
	ID       string `json:"id,omitempty"`
	Action   string `json:"action"`
	WindowID int    `json:"windowId,omitempty"`
	TabIDs   []int  `json:"tabIds,omitempty"`
	GroupID  int    `json:"groupId,omitempty"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	// Text is the badge text; absent means clear.
	Text  string `json:"text,omitempty"`
	Color string `json:"color,omitempty"`
	// Broadcast fields
	Status     *types.ProcessingStatus `json:"status,omitempty"`
	Entries    []types.SuggestionEntry `json:"entries,omitempty"`
	Processing bool                    `json:"processing,omitempty"`
	// Intent answer fields
	OK     *bool  `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Server manages the WebSocket connection to the extension.
type Server struct {
	port    int
	msgs    chan IncomingMsg
	replies chan IncomingMsg
	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int) *Server {
	return &Server{
		port:    port,
		msgs:    make(chan IncomingMsg, 256),
		replies: make(chan IncomingMsg, 64),
	}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns events, intents and hellos in arrival order.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Replies returns command replies. They bypass Messages so a consumer that
// is blocked on a command never waits behind its own reply.
func (s *Server) Replies() <-chan IncomingMsg {
	return s.replies
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send sends a message to the connected extension.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	applog.Info("ws.send", "action", msg.Action, "id", msg.ID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("websocket accept: %v", err)
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(16 << 20) // 16 MB: listWindows replies with many tabs can be large

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			if msg.IsReply() {
				select {
				case s.replies <- msg:
				default:
					applog.Info("ws.reply_dropped", "id", msg.ID)
				}
				continue
			}
			applog.Info("ws.recv", "type", msg.Type)
			// Events are never dropped.
			select {
			case s.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	})
}

// Router mounts the WebSocket at / and api, if given, under /api.
func (s *Server) Router(api http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if api != nil {
		r.Mount("/api", api)
	}
	r.Handle("/", s.Handler())
	return r
}

// ListenAndServe starts the server on the configured port and stops it
// when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, api http.Handler) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.Router(api)}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
