package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/service/directory"
	"securemsg/internal/service/transport"
	"securemsg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxBundleSize bounds request bodies on the directory routes.
const maxBundleSize = 1 << 20

type (
	peer struct {
		conn *websocket.Conn
		wmu  sync.Mutex
	}

	// HttpServer relays opaque frames between connected devices and serves
	// the public key directory. It never sees plaintext or private keys.
	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*peer

		dir   directory.Directory
		queue Queue
		srv   *http.Server
	}
)

func NewHttpServer(dir directory.Directory, queue Queue) *HttpServer {
	return &HttpServer{
		mapper: make(map[string]*peer),
		dir:    dir,
		queue:  queue,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/bundles", s.PublishBundle()).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{userID}", s.FetchBundles()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{keyID}", s.FetchKey()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{keyID}/revoke", s.RevokeKey()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{keyID}/prekeys", s.PreKeyCount()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Run(addr string, readTimeout, writeTimeout time.Duration) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	log.Info("relay listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.mu.Lock()
	for _, p := range s.mapper {
		p.conn.Close()
	}
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		addr := r.URL.Query().Get("address")
		if _, _, err := transport.SplitAddress(addr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, dup := s.mapper[addr]
		s.mu.RUnlock()
		if dup {
			http.Error(w, "duplicated address", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		p := &peer{conn: conn}
		s.mu.Lock()
		if _, dup := s.mapper[addr]; dup {
			s.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated address"))
			conn.Close()
			return
		}
		s.mapper[addr] = p
		s.mu.Unlock()

		log.Debug("device connected", zap.String("address", addr))
		if err := s.ForwardUnsentFrames(context.Background(), addr, p); err != nil {
			log.Error("forward queued frames failed", zap.String("address", addr), zap.Error(err))
		}
		go s.processWSMessage(addr, p)
	}
}

func (s *HttpServer) processWSMessage(addr string, p *peer) {
	defer func() {
		s.mu.Lock()
		if s.mapper[addr] == p {
			delete(s.mapper, addr)
		}
		s.mu.Unlock()
		p.conn.Close()
	}()

	for {
		var f model.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			log.Debug("device websocket closed", zap.String("address", addr), zap.Error(err))
			return
		}
		// the relay vouches for the sender address, nothing else
		f.From = addr
		if err := s.route(context.Background(), &f); err != nil {
			log.Error("route frame failed", zap.String("to", f.To), zap.Error(err))
		}
	}
}

func (s *HttpServer) route(ctx context.Context, f *model.Frame) error {
	if _, _, err := transport.SplitAddress(f.To); err != nil {
		return err
	}

	s.mu.RLock()
	dst, ok := s.mapper[f.To]
	s.mu.RUnlock()

	if ok {
		if err := dst.write(f); err == nil {
			return nil
		}
	}
	return s.queue.Put(ctx, f.To, f)
}

func (p *peer) write(f *model.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(f)
}

// ForwardUnsentFrames delivers what was queued for addr while it was away.
func (s *HttpServer) ForwardUnsentFrames(ctx context.Context, addr string, p *peer) error {
	frames, err := s.queue.Take(ctx, addr)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := p.write(f); err != nil {
			return s.queue.Put(ctx, addr, frames[i:]...)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// writeError maps directory errors onto status codes the directory client
// understands.
func writeError(w http.ResponseWriter, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownKey):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrUntrustedKeyBundle):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrKeyAgreementFailed):
		code = http.StatusConflict
	case errors.Is(err, model.ErrInvalidSignature):
		code = http.StatusForbidden
	}
	if code == http.StatusInternalServerError {
		log.Error(msg, zap.Error(err))
		http.Error(w, msg, code)
		return
	}
	http.Error(w, err.Error(), code)
}

func (s *HttpServer) PublishBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b model.KeyBundle
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBundleSize)).Decode(&b); err != nil {
			http.Error(w, "invalid bundle", http.StatusBadRequest)
			return
		}

		if err := s.dir.PublishBundle(r.Context(), &b); err != nil {
			writeError(w, "publish bundle failed", err)
			return
		}
		log.Info("bundle published", zap.String("user_id", b.UserID), zap.String("device_id", b.DeviceID),
			zap.String("fingerprint", model.Fingerprint(b.SigningKey)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) FetchBundles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]

		bundles, err := s.dir.FetchBundles(r.Context(), userID)
		if err != nil {
			writeError(w, "fetch bundles failed", err)
			return
		}
		writeJSON(w, bundles)
	}
}

func keyIDVar(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["keyID"])
	if err != nil {
		http.Error(w, "invalid key id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *HttpServer) FetchKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyIDVar(w, r)
		if !ok {
			return
		}
		b, err := s.dir.FetchKey(r.Context(), id)
		if err != nil {
			writeError(w, "fetch key failed", err)
			return
		}
		writeJSON(w, b)
	}
}

func (s *HttpServer) PreKeyCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyIDVar(w, r)
		if !ok {
			return
		}
		n, err := s.dir.PreKeyCount(r.Context(), id)
		if err != nil {
			writeError(w, "count prekeys failed", err)
			return
		}
		writeJSON(w, &directory.PreKeyCountResponse{Count: n})
	}
}

func (s *HttpServer) RevokeKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyIDVar(w, r)
		if !ok {
			return
		}
		var req directory.RevokeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBundleSize)).Decode(&req); err != nil {
			http.Error(w, "invalid revocation", http.StatusBadRequest)
			return
		}

		if err := s.dir.RevokeKey(r.Context(), id, req.Signature); err != nil {
			writeError(w, "revoke key failed", err)
			return
		}
		log.Info("key revoked", zap.Stringer("key_id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}
