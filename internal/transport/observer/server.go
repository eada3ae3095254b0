// Package observer serves a session's tick-anchor stream over websocket
// together with its Prometheus metrics.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"labkit.ai/internal/observerproto"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/srz"
)

// Info describes the booted session being streamed.
type Info struct {
	SaveID         string
	BundleID       string
	BootRunID      string
	LensID         string
	PackLockHash   string
	RegistryHashes map[string]string
	StartTick      int64
}

type subscriber struct {
	id        uint64
	fromTick  int64
	decisions bool
	out       chan []byte
}

// Server is a srz.TickSink that keeps every record of the run and fans it
// out to subscribers. Late subscribers get the backlog first.
type Server struct {
	info    Info
	metrics *Metrics
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	records []srz.TickRecord
	final   []byte
	subs    map[uint64]*subscriber
	nextID  uint64
}

func NewServer(info Info, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		info:    info,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: map[uint64]*subscriber{},
	}
}

// Metrics returns the server's metrics sink.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler routes the bootstrap, stream and metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/ws", s.WSHandler())
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// WriteTick implements srz.TickSink.
func (s *Server) WriteTick(rec srz.TickRecord) error {
	if err := s.metrics.WriteTick(rec); err != nil {
		return err
	}
	rec.State = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil {
		return fmt.Errorf("observer: tick %d after the run ended", rec.Tick)
	}
	s.records = append(s.records, rec)
	for _, sub := range s.subs {
		if rec.Tick < sub.fromTick {
			continue
		}
		b, err := json.Marshal(observerproto.NewTick(rec, sub.decisions))
		if err != nil {
			return err
		}
		select {
		case sub.out <- b:
		default:
			s.logger.Warn("observer subscriber too slow, dropping", "subscriber", sub.id)
			s.dropLocked(sub)
		}
	}
	return nil
}

// Finish ends the stream of a completed run.
func (s *Server) Finish(runID string, res *srz.Result) error {
	return s.end(observerproto.DoneMsg{
		Type:            observerproto.TypeDone,
		ProtocolVersion: observerproto.Version,
		RunID:           runID,
		FinalTick:       res.FinalTick,
		FinalStateHash:  res.FinalStateHash,
		CompositeHash:   res.CompositeHash,
	})
}

// Refuse ends the stream of a refused run.
func (s *Server) Refuse(err error) error {
	msg := observerproto.RefusedMsg{Type: observerproto.TypeRefused, ProtocolVersion: observerproto.Version}
	if r, ok := refusal.AsRefusal(err); ok {
		msg.ReasonCode, msg.Message, msg.RelevantIDs = r.ReasonCode, r.Message, r.RelevantIDs
	} else {
		msg.ReasonCode, msg.Message = refusal.Code(err), err.Error()
	}
	if msg.ReasonCode != "" {
		s.metrics.Refused(msg.ReasonCode)
	}
	return s.end(msg)
}

func (s *Server) end(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil {
		return fmt.Errorf("observer: run already ended")
	}
	s.final = b
	for _, sub := range s.subs {
		select {
		case sub.out <- b:
		default:
		}
		s.dropLocked(sub)
	}
	return nil
}

func (s *Server) dropLocked(sub *subscriber) {
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	close(sub.out)
	s.metrics.Subscribers.Set(float64(len(s.subs)))
}

// subscribe registers a client and queues its backlog. A client joining
// after the run ended gets the backlog and the final message only.
func (s *Server) subscribe(msg observerproto.SubscribeMsg) (*subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var backlog [][]byte
	for _, rec := range s.records {
		if rec.Tick < msg.FromTick {
			continue
		}
		b, err := json.Marshal(observerproto.NewTick(rec, msg.Decisions))
		if err != nil {
			return nil, err
		}
		backlog = append(backlog, b)
	}
	s.nextID++
	sub := &subscriber{
		id:        s.nextID,
		fromTick:  msg.FromTick,
		decisions: msg.Decisions,
		out:       make(chan []byte, len(backlog)+256),
	}
	for _, b := range backlog {
		sub.out <- b
	}
	if s.final != nil {
		sub.out <- s.final
		close(sub.out)
		return sub, nil
	}
	s.subs[sub.id] = sub
	s.metrics.Subscribers.Set(float64(len(s.subs)))
	return sub, nil
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(sub)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			SaveID:          s.info.SaveID,
			BundleID:        s.info.BundleID,
			BootRunID:       s.info.BootRunID,
			LensID:          s.info.LensID,
			PackLockHash:    s.info.PackLockHash,
			RegistryHashes:  s.info.RegistryHashes,
			StartTick:       s.info.StartTick,
			Tick:            s.info.StartTick,
			Done:            s.final != nil,
		}
		if n := len(s.records); n > 0 {
			resp.Tick = s.records[n-1].Tick
		}
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg observerproto.SubscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if msg.Type != observerproto.TypeSubscribe || msg.ProtocolVersion != observerproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}
		sub, err := s.subscribe(msg)
		if err != nil {
			closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
			return
		}
		defer s.unsubscribe(sub)
		s.logger.Debug("observer subscribed", "subscriber", sub.id, "from_tick", msg.FromTick)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine: drains the subscriber until the run ends.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sub.out:
					if !ok {
						closeWith(conn, websocket.CloseNormalClosure, "run ended")
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop: the client only ever closes.
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		cancel()

		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
