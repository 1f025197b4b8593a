// Package httpapi exposes the same three session verbs as the binary
// protocol over plain HTTP/JSON, for operators who would rather curl a
// REST endpoint than speak the binary wire format.
package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/anweddol/sessiond/internal/config"
	"github.com/anweddol/sessiond/internal/engine"
	"github.com/anweddol/sessiond/internal/schema"
)

// Server is the HTTP/REST surface in front of an Engine.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	log    *log.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the HTTP server and registers its routes. It does not
// start listening until Start is called.
func NewServer(cfg *config.Config, eng *engine.Engine, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{cfg: cfg, engine: eng, log: logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleStat)
	mux.HandleFunc("POST /", s.handleStat)
	mux.HandleFunc("POST /CREATE", s.handleCreate)
	mux.HandleFunc("POST /DESTROY", s.handleDestroy)
	mux.HandleFunc("GET /STAT", s.handleStat)
	mux.HandleFunc("POST /STAT", s.handleStat)
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebServer.BindAddress, s.cfg.WebServer.ListenPort)

	var ln net.Listener
	var err error
	if s.cfg.WebServer.EnableSSL {
		cert, cerr := tls.LoadX509KeyPair(s.cfg.WebServer.SSLCertFile, s.cfg.WebServer.SSLKeyFile)
		if cerr != nil {
			return fmt.Errorf("httpapi: load TLS keypair: %w", cerr)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Printf("httpapi: serve error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, resp schema.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	resp, err := schema.MakeResponse(false, message, nil, reason)
	if err != nil {
		resp = schema.Response{Success: false, Message: schema.MessageInternalError}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.ClientTimeout)
	defer cancel()

	resp := s.engine.Dispatch(ctx, schema.Request{Verb: schema.VerbCreate, Parameters: map[string]any{}})
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}

	var body struct {
		ContainerUUID string `json:"container_uuid"`
		ClientToken   string `json:"client_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, schema.MessageBadRequest, "malformed JSON body")
		return
	}

	req, missing, err := schema.VerifyRequest(string(schema.VerbDestroy), map[string]any{
		"container_uuid": body.ContainerUUID,
		"client_token":   body.ClientToken,
	})
	if err != nil || len(missing) > 0 {
		writeError(w, http.StatusBadRequest, schema.MessageBadRequest, "missing required parameters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.ClientTimeout)
	defer cancel()

	resp := s.engine.Dispatch(ctx, req)
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.ClientTimeout)
	defer cancel()

	resp := s.engine.Dispatch(ctx, schema.Request{Verb: schema.VerbStat, Parameters: map[string]any{}})
	writeJSON(w, statusFor(resp), resp)
}

// admit runs the shared IP-filter and access-token checks. It writes the
// error response itself and returns false when the request should stop.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.engine.CheckIPAllowed(host) {
		writeError(w, http.StatusForbidden, schema.MessageRefusedRequest, "address not permitted")
		return false
	}
	switch s.engine.CheckAccessToken(accessTokenParam(r)) {
	case engine.AccessTokenMissing:
		writeError(w, http.StatusBadRequest, schema.MessageBadRequest, "Access token is required")
		return false
	case engine.AccessTokenInvalid:
		writeError(w, http.StatusUnauthorized, schema.MessageBadAuth, "Invalid access token")
		return false
	}
	return true
}

// accessTokenParam reads "access_token" out of the request the same way
// every other parameter travels: as a field of the request body (JSON for
// this surface) or, failing that, a form/query value. The body is restored
// afterward so the verb handler can still decode it.
func accessTokenParam(r *http.Request) string {
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			if len(body) > 0 {
				var params map[string]any
				if json.Unmarshal(body, &params) == nil {
					if tok, ok := params["access_token"].(string); ok {
						return tok
					}
				}
			}
		}
	}
	return r.FormValue("access_token")
}

func statusFor(resp schema.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Message {
	case schema.MessageBadAuth:
		return http.StatusUnauthorized
	case schema.MessageBadRequest:
		return http.StatusBadRequest
	case schema.MessageRefusedRequest:
		return http.StatusForbidden
	case schema.MessageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

