// Package devserver is a small in-memory chat backend for local
// development and integration tests. It speaks the same REST and websocket
// protocol as the production backend, for the subset the client uses.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/verastack/chatline/pkg/api"
	"github.com/verastack/chatline/pkg/auth"
	"github.com/verastack/chatline/pkg/envelope"
	"github.com/verastack/chatline/pkg/logger"
	"github.com/verastack/chatline/pkg/storage"
)

const (
	defaultTokenTTL    = 24 * time.Hour
	defaultAuthTimeout = 10 * time.Second
	maxBodyBytes       = 1 << 20
)

// Options configures a Server.
type Options struct {
	// Secret signs and verifies access tokens.
	Secret string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// AuthTimeout bounds the wait for the AUTHORIZATION frame.
	AuthTimeout time.Duration
	// BcryptCost is the cost of stored password hashes.
	BcryptCost int
}

type user struct {
	ID           string
	Email        string
	PasswordHash []byte
	FullName     string
	Avatar       string
	OnlineID     string
}

func (u *user) profile() storage.UserInfo {
	return storage.UserInfo{
		UserID:       u.ID,
		Username:     u.FullName,
		FullName:     u.FullName,
		Email:        u.Email,
		Avatar:       u.Avatar,
		UserOnlineID: u.OnlineID,
	}
}

// Server is the development backend.
type Server struct {
	opts     Options
	hub      *hub
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	users    map[string]*user // by email
	byID     map[string]*user
	messages map[string][]*envelope.ChatMessage // by conversation
}

// New creates a server. Call Run to start the hub before serving.
func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("token signing secret is required")
	}

	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}

	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}

	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	log := logger.Component("devserver")

	return &Server{
		opts: opts,
		hub:  newHub(log),
		upgrader: websocket.Upgrader{
			// Local development only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:      log,
		users:    make(map[string]*user),
		byID:     make(map[string]*user),
		messages: make(map[string][]*envelope.ChatMessage),
	}, nil
}

// Run dispatches hub traffic until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.run(ctx.Done())
}

// Clients returns the number of authorized websocket connections.
func (s *Server) Clients() int {
	return s.hub.len()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/user/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/user/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/user/info", s.handleUserInfo).Methods(http.MethodGet)
	r.HandleFunc("/auth/user", s.handleUpdateUser).Methods(http.MethodPatch)
	r.HandleFunc("/auth/conversation", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversation/last-messages", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversation/{conversationID}", s.handleDeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversation/{conversationID}/read", s.handleMarkAsRead).Methods(http.MethodPut)
	r.HandleFunc("/message/{conversationID}", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/message", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	return r
}

type apiResponse struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(apiResponse{Data: data, Message: message, Status: status}); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		s.writeJSON(w, http.StatusBadRequest, nil, "email and password are required")
		return
	}

	u, err := s.loginUser(strings.ToLower(req.Email), req.Password)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, nil, err.Error())
		return
	}

	token, err := auth.Sign(auth.NewClaims(u.ID, u.Email, s.opts.TokenTTL), s.opts.Secret)
	if err != nil {
		s.log.Error("Failed to sign token", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, nil, "failed to issue token")
		return
	}

	s.log.Info("User logged in", "user_id", u.ID, "email", u.Email)
	s.writeJSON(w, http.StatusOK, map[string]string{"access_token": token}, "login success")
}

// loginUser checks credentials. Unknown emails are registered on the spot.
func (s *Server) loginUser(email, password string) (*user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[email]; ok {
		if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
			return nil, errors.New("invalid credentials")
		}

		return u, nil
	}

	return s.addUserLocked(email, password, "")
}

// addUserLocked stores a new account. The name defaults to the local part
// of the email. Caller holds s.mu.
func (s *Server) addUserLocked(email, password, fullName string) (*user, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if fullName == "" {
		fullName, _, _ = strings.Cut(email, "@")
	}

	u := &user{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
		OnlineID:     uuid.NewString(),
	}
	s.users[email] = u
	s.byID[u.ID] = u

	return u, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		s.writeJSON(w, http.StatusBadRequest, nil, "email and password are required")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[email]; exists {
		s.mu.Unlock()
		s.writeJSON(w, http.StatusConflict, nil, "email already registered")
		return
	}

	u, err := s.addUserLocked(email, req.Password, strings.TrimSpace(req.FullName))
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Failed to register user", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, nil, "failed to register")
		return
	}

	s.log.Info("User registered", "user_id", u.ID, "email", u.Email)
	s.writeJSON(w, http.StatusCreated, map[string]bool{"success": true}, "register success")
}

// userForToken verifies token and resolves its user.
func (s *Server) userForToken(token string) (*user, error) {
	claims, err := auth.ParseJWT(token, s.opts.Secret)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[claims.UserID]
	if !ok {
		return nil, errors.New("unknown user")
	}

	return u, nil
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*user, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		s.writeJSON(w, http.StatusUnauthorized, nil, "missing bearer token")
		return nil, false
	}

	u, err := s.userForToken(token)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, nil, "invalid token")
		return nil, false
	}

	return u, true
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	info := u.profile()
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, info, "ok")
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req api.UpdateUserInfoRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	s.mu.Lock()
	if name := strings.TrimSpace(req.FullName); name != "" {
		u.FullName = name
	}
	if req.Avatar != "" {
		u.Avatar = req.Avatar
	}
	info := u.profile()
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, info, "user updated")
}

// handleConversations serves both the conversation list and the
// last-messages view; every stored conversation has a latest message.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	s.mu.Lock()
	conversations := make([]api.Conversation, 0, len(s.messages))
	for id, msgs := range s.messages {
		last := msgs[len(msgs)-1]
		conversations = append(conversations, api.Conversation{
			ConversationID: id,
			LastMessageID:  last.MessageID,
			UpdatedAt:      last.CreatedAt,
			LastMessage:    lastMessage(last),
		})
	}
	s.mu.Unlock()

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt > conversations[j].UpdatedAt
	})

	s.writeJSON(w, http.StatusOK, conversations, "ok")
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	id := mux.Vars(r)["conversationID"]

	s.mu.Lock()
	_, found := s.messages[id]
	delete(s.messages, id)
	s.mu.Unlock()

	if !found {
		s.writeJSON(w, http.StatusNotFound, nil, "conversation not found")
		return
	}

	s.log.Info("Conversation deleted", "conversation_id", id)
	s.writeJSON(w, http.StatusOK, nil, "conversation deleted")
}

// handleMarkAsRead acknowledges the call; read state is not tracked.
func (s *Server) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, nil, "ok")
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	s.mu.Lock()
	msgs := slices.Clone(s.messages[mux.Vars(r)["conversationID"]])
	s.mu.Unlock()

	if msgs == nil {
		msgs = []*envelope.ChatMessage{}
	}

	s.writeJSON(w, http.StatusOK, msgs, "ok")
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req api.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	msg, err := s.post(u, req.ConversationID, req.Body, req.Type)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, nil, err.Error())
		return
	}

	var ignore []string
	if req.UserOnlineID != "" {
		ignore = []string{req.UserOnlineID}
	}

	s.fanOut(msg, nil, ignore)
	s.writeJSON(w, http.StatusCreated, msg, "message sent")
}

// post stores a new message from u.
func (s *Server) post(u *user, conversationID, body, kind string) (*envelope.ChatMessage, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	if strings.TrimSpace(body) == "" {
		return nil, errors.New("body is required")
	}

	if kind == "" {
		kind = "text"
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	msg := &envelope.ChatMessage{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Body:           body,
		Type:           kind,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	msg.User = &envelope.Author{UserID: u.ID, FullName: u.FullName, Avatar: u.Avatar}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.mu.Unlock()

	return msg, nil
}

// fanOut sends MESSAGE to every client except sender and the ignored
// online ids, then UPDATE_LAST_MESSAGE to everyone.
func (s *Server) fanOut(msg *envelope.ChatMessage, sender *client, ignore []string) {
	env, err := envelope.New(envelope.TypeMessage, msg)
	if err != nil {
		s.log.Error("Failed to build message envelope", "error", err)
		return
	}

	s.hub.publish(env, func(c *client) bool {
		return c == sender || slices.Contains(ignore, c.user.OnlineID)
	})

	update, err := envelope.New(envelope.TypeUpdateLastMessage, envelope.LastMessageUpdate{
		ConversationID: msg.ConversationID,
		LastMessageID:  msg.MessageID,
		LastMessage:    lastMessage(msg),
	})
	if err != nil {
		s.log.Error("Failed to build update envelope", "error", err)
		return
	}

	s.hub.publish(update, nil)
}

func lastMessage(msg *envelope.ChatMessage) *envelope.LastMessage {
	return &envelope.LastMessage{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		Type:           msg.Type,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		User:           msg.User,
	}
}
