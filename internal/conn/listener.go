package conn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradewind/server/internal/telemetry"
)

// Listener accepts websocket connections and hands them to the manager.
// A crashed accept loop is restarted a bounded number of times before the
// error is surfaced to the caller.
type Listener struct {
	addr    string
	retries int
	manager *Manager
	logger  telemetry.Logger

	upgrader websocket.Upgrader
	srv      *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewListener builds a listener bound to addr.
func NewListener(addr string, retries int, manager *Manager, logger telemetry.Logger) *Listener {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	l := &Listener{
		addr:    addr,
		retries: retries,
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.serveWS)
	l.srv = &http.Server{Handler: mux}
	return l
}

// Handler exposes the websocket route for embedding in another mux.
func (l *Listener) Handler() http.Handler {
	return l.srv.Handler
}

func (l *Listener) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Infof("upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	l.manager.HandleConn(ws)
}

// Serve binds and runs the accept loop, restarting it after transient
// failures. It blocks until Shutdown or the retry budget is spent.
func (l *Listener) Serve() error {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			lastErr = err
			l.logger.Warnf("listen %s failed (attempt %d): %v", l.addr, attempt+1, err)
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			continue
		}
		l.mu.Lock()
		l.ln = ln
		l.mu.Unlock()

		err = l.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		lastErr = err
		l.logger.Warnf("accept loop died (attempt %d): %v", attempt+1, err)
	}
	return lastErr
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Shutdown stops accepting and closes every session.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.manager.CloseAll()
	return l.srv.Shutdown(ctx)
}
