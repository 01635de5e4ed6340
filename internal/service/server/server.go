package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2ee_core/internal/guard"
	"e2ee_core/internal/model"
	"e2ee_core/internal/protocol/x3dh"
	"e2ee_core/internal/service/directory"
	redisSvc "e2ee_core/internal/service/redis"
	"e2ee_core/internal/utils/log"
)

type (
	HttpServer struct {
		addr string

		mu     sync.Mutex
		mapper map[string]*websocket.Conn

		directory    *directory.Service
		guard        *guard.Guard
		redisService *redisSvc.RedisService
	}

	// InboundMessage is what a sending client submits. The ids it proposes
	// are verified at the boundary; they become authoritative only if the
	// guard accepts the envelope.
	InboundMessage struct {
		MessageID string                 `json:"message_id"`
		To        string                 `json:"to"`
		Envelope  model.MessageEnvelope  `json:"envelope"`
		Handshake *x3dh.HandshakeMessage `json:"handshake,omitempty"`
	}

	// Delivery is what reaches the recipient after guard acceptance.
	Delivery struct {
		Envelope  model.CanonicalEnvelope `json:"envelope"`
		Handshake *x3dh.HandshakeMessage  `json:"handshake,omitempty"`
	}
)

func NewHttpServer(addr string, dir *directory.Service, g *guard.Guard, redisSvc *redisSvc.RedisService) *HttpServer {
	return &HttpServer{
		addr:         addr,
		mapper:       make(map[string]*websocket.Conn),
		directory:    dir,
		guard:        g,
		redisService: redisSvc,
	}
}

func (s *HttpServer) Run() error {
	r := mux.NewRouter()

	r.HandleFunc("/keys/{user}", s.HandlePublishBundle()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{user}", s.HandleFetchBundle()).Methods(http.MethodGet)
	r.HandleFunc("/chats/{chat}/messages", s.HandleSendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)

	return http.ListenAndServe(s.addr, r)
}

// senderID is the transport-authenticated caller identity. A production
// deployment resolves it from the auth layer; the header stands in for it.
func senderID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *HttpServer) HandlePublishBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := mux.Vars(r)["user"]
		if user == "" || user != senderID(r) {
			http.Error(w, "cannot publish for another user", http.StatusForbidden)
			return
		}

		var b model.PrekeyBundle
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, "invalid bundle", http.StatusBadRequest)
			return
		}
		b.UserID = user

		if err := s.directory.Publish(ctx, &b); err != nil {
			log.Error("publish bundle failed", zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) HandleFetchBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := mux.Vars(r)["user"]

		b, err := s.directory.Fetch(ctx, user)
		if errors.Is(err, directory.ErrUnknownUser) {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("fetch bundle failed", zap.Error(err))
			http.Error(w, "fetch failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b); err != nil {
			log.Error("encode bundle failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		chatID := mux.Vars(r)["chat"]
		sender := senderID(r)
		if sender == "" {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		var in InboundMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		// The message id is client-proposed but boundary-verified: it must be
		// a well-formed UUID, and the replay set rejects reuse.
		if _, err := uuid.Parse(in.MessageID); err != nil {
			http.Error(w, "invalid message id", http.StatusBadRequest)
			return
		}

		canonical, err := s.guard.Process(ctx, &in.Envelope, guard.Context{
			MessageID: in.MessageID,
			ChatID:    chatID,
			SenderID:  sender,
		})
		switch {
		case errors.Is(err, guard.ErrMissingAAD), errors.Is(err, guard.ErrAadMismatch):
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		case errors.Is(err, guard.ErrReplayDetected):
			http.Error(w, "replay detected", http.StatusConflict)
			return
		case err != nil:
			log.Error("guard failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if err := s.deliver(ctx, in.To, &Delivery{Envelope: *canonical, Handshake: in.Handshake}); err != nil {
			log.Error("deliver failed", zap.Error(err))
			http.Error(w, "delivery failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// deliver forwards over the recipient's websocket when connected, otherwise
// queues the canonical envelope for later flush.
func (s *HttpServer) deliver(ctx context.Context, to string, d *Delivery) error {
	s.mu.Lock()
	conn, online := s.mapper[to]
	s.mu.Unlock()

	if online {
		if err := conn.WriteJSON(d); err == nil {
			return nil
		}
		// Connection is going away; fall back to the queue.
	}
	return s.QueueDelivery(ctx, to, d)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		_, dup := s.mapper[userID]
		s.mu.Unlock()
		if dup {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		s.mu.Lock()
		s.mapper[userID] = conn
		s.mu.Unlock()

		go s.watchConn(userID, conn)
		if err := s.flushQueued(userID, conn); err != nil {
			log.Error("flush queued deliveries failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) watchConn(userID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("websocket closed", zap.String("user_id", userID), zap.Error(err))
			s.mu.Lock()
			delete(s.mapper, userID)
			s.mu.Unlock()
			conn.Close()
			return
		}
	}
}

func (s *HttpServer) flushQueued(userID string, conn *websocket.Conn) error {
	deliveries, err := s.TakeQueuedDeliveries(context.TODO(), userID)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if err := conn.WriteJSON(d); err != nil {
			return err
		}
	}
	return nil
}
