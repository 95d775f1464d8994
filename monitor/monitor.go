// Package monitor serves a live view of a training run over HTTP: a status
// page, the epoch history as JSON, SVG training curves and a websocket
// stream of epoch events.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goji/httpauth"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/training"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config configures the monitor. Basic auth is enabled when User is set.
type Config struct {
	Addr     string
	User     string
	Password string
}

// Message is the websocket envelope. Type is "started", "epoch" or
// "finished".
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Status is the snapshot rendered by the status page
type Status struct {
	RunID      string
	Experiment string
	Model      string
	Dataset    string
	Epochs     int
	Epoch      int // epochs completed
	Last       *training.EpochEvent
	Best       float64
	StartedAt  time.Time
	Finished   bool
	Err        string
}

// Server implements training.Observer. Observer calls never block on
// slow websocket clients; a client whose buffer is full is dropped.
type Server struct {
	cfg     Config
	router  *mux.Router
	httpSrv *http.Server

	mu      sync.RWMutex
	status  Status
	history *training.History
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ training.Observer = (*Server)(nil)

// New creates a monitor with its routes registered
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		history: training.NewHistory(),
		clients: make(map[*client]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.statusPage).Methods(http.MethodGet)
	r.HandleFunc("/history", s.historyJSON).Methods(http.MethodGet)
	r.HandleFunc("/plot/{name:(?:loss|accuracy)}.svg", s.plotSVG).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.websocket)
	s.router = r
	return s
}

// Handler returns the HTTP handler, wrapped in basic auth when configured
func (s *Server) Handler() http.Handler {
	if s.cfg.User == "" {
		return s.router
	}
	return httpauth.SimpleBasicAuth(s.cfg.User, s.cfg.Password)(s.router)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "monitor failed to listen on %s", s.cfg.Addr)
	}
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			klog.Errorf("monitor stopped: %v", err)
		}
	}()
	klog.Infof("training monitor at http://%s/", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops the HTTP server and closes every websocket
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		s.dropLocked(c)
	}
	s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// SetHistory seeds the curves with epochs completed before a resume
func (s *Server) SetHistory(h *training.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h.Clone()
	s.status.Epoch = h.Len()
}

// Snapshot returns the current status
func (s *Server) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Last != nil {
		last := *st.Last
		st.Last = &last
	}
	return st
}

func (s *Server) RunStarted(info training.RunInfo) {
	s.mu.Lock()
	s.status = Status{
		RunID:      info.RunID,
		Experiment: info.Experiment,
		Model:      info.Model,
		Dataset:    info.Dataset,
		Epochs:     info.Epochs,
		Epoch:      s.history.Len(),
		StartedAt:  info.StartedAt,
	}
	s.mu.Unlock()
	s.broadcast(Message{Type: "started", Data: info})
}

func (s *Server) EpochFinished(ev training.EpochEvent) {
	s.mu.Lock()
	s.history.Append(ev.TrainAccuracy, ev.TrainLoss, ev.ValAccuracy, ev.ValLoss)
	s.status.Epoch = ev.Epoch + 1
	s.status.Last = &ev
	s.status.Best = ev.BestAccuracy
	s.mu.Unlock()
	s.broadcast(Message{Type: "epoch", Data: ev})
}

func (s *Server) RunFinished(sum training.RunSummary) {
	s.mu.Lock()
	s.status.Finished = true
	s.status.Best = sum.BestAccuracy
	if sum.Err != nil {
		s.status.Err = sum.Err.Error()
	}
	st := s.status
	s.mu.Unlock()
	s.broadcast(Message{Type: "finished", Data: st})
}

func (s *Server) broadcast(m Message) {
	msg, err := json.Marshal(m)
	if err != nil {
		klog.Errorf("monitor: failed to encode %s message: %v", m.Type, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			klog.Warning("monitor: dropping slow websocket client")
			s.dropLocked(c)
		}
	}
}

func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.V(1).Infof("monitor: websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	// reads only detect the peer going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	s.dropLocked(c)
	s.mu.Unlock()
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			klog.V(1).Infof("monitor: websocket write failed: %v", err)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}
