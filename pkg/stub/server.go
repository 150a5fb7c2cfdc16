// Package stub is a self-contained development backend for the taskpilot
// client: auth, per-user task CRUD, a keyword-parsing assistant, and a
// websocket push channel, all against an in-memory store. Integration
// tests run against it, and `taskpilot stub` serves it locally.
package stub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const tokenTTL = 24 * time.Hour

// Server is the stub backend.
type Server struct {
	secret []byte
	store  *store
	hub    *hub
	router chi.Router
}

// NewServer creates a stub backend signing tokens with the given secret.
func NewServer(secret string) *Server {
	s := &Server{
		secret: []byte(secret),
		store:  newStore(),
		hub:    newHub(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/auth/me", s.handleMe)
		r.Post("/chat", s.handleChat)

		r.Route("/{userID}/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Put("/{taskID}", s.handleUpdateTask)
			r.Patch("/{taskID}/complete", s.handleCompleteTask)
			r.Delete("/{taskID}", s.handleDeleteTask)
		})
	})

	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the HTTP handler, for mounting in tests or a server.
func (s *Server) Handler() http.Handler { return s.router }

// Close drops all websocket clients.
func (s *Server) Close() { s.hub.closeAll() }

type ctxKey int

const userIDKey ctxKey = 0

type authResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        *User  `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" || in.Password == "" {
		writeDetail(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	user, ok := s.store.createUser(in.Username, in.Email, in.Password)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	s.writeAuth(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, ok := s.store.authenticate(in.Email, in.Password)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	s.writeAuth(w, user)
}

func (s *Server) writeAuth(w http.ResponseWriter, user *User) {
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AccessToken: token, TokenType: "bearer", User: user})
}

// requireAuth validates the bearer token and stashes the subject in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		subject, err := parsed.Claims.GetSubject()
		if err != nil || subject == "" {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		if _, ok := s.store.user(subject); !ok {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, subject)))
	})
}

// authedUser returns the token subject, enforcing that path-scoped task
// routes only touch the caller's own list.
func authedUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.store.user(authedUser(r))
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// pathUser resolves the {userID} path segment and rejects cross-user
// access.
func (s *Server) pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if userID != authedUser(r) {
		writeDetail(w, http.StatusForbidden, "Not authorized for this user")
		return "", false
	}
	return userID, true
}

func pathTaskID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	return id, err == nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.store.listTasks(userID))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}

	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Completed   bool   `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Title) == "" {
		writeDetail(w, http.StatusBadRequest, "title is required")
		return
	}

	writeJSON(w, http.StatusOK, s.store.createTask(userID, in.Title, in.Description, in.Completed))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	id, ok := pathTaskID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Completed   bool   `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Title) == "" {
		writeDetail(w, http.StatusBadRequest, "title is required")
		return
	}

	task, found := s.store.updateTask(userID, id, in.Title, in.Description, in.Completed)
	if !found {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	id, ok := pathTaskID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var in struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "completed is required")
		return
	}

	if !s.store.setCompleted(userID, id, in.Completed) {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	// Bare ack: the client is expected to keep its own state.
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task completion updated"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	id, ok := pathTaskID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if !s.store.deleteTask(userID, id) {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := authedUser(r)

	var in struct {
		Message        string `json:"message"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Message) == "" {
		writeDetail(w, http.StatusBadRequest, "message is required")
		return
	}

	conversationID := s.store.conversation(userID, in.ConversationID)
	result := s.runChat(userID, in.Message)

	if result.actionPerformed {
		s.hub.broadcast(map[string]string{"type": "task_update"})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":         result.response,
		"conversation_id":  conversationID,
		"action_performed": result.actionPerformed,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
