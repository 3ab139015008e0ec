// Package stubserver is an in-memory stand-in for the chatloop backend: the
// directory/history REST API plus the realtime socket hub. It exists for
// local development (`chatloop serve`) and for exercising the client against
// a real wire.
package stubserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	chatloop "github.com/chatloop-im/chatloop-go"
)

// Server holds all backend state in memory. Nothing survives a restart.
type Server struct {
	log    zerolog.Logger
	router *mux.Router

	mu         sync.Mutex
	accounts   map[int]*chatloop.Session
	byEmail    map[string]int
	nextUserID int
	nextMsgID  int
	messages   []*chatloop.Message
	images     map[string][]byte
	conns      map[int]*socketClient
}

// New creates a stub server. A nil logger disables logging.
func New(logger *zerolog.Logger) *Server {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	s := &Server{
		log:        log,
		accounts:   make(map[int]*chatloop.Session),
		byEmail:    make(map[string]int),
		nextUserID: 1,
		nextMsgID:  1,
		images:     make(map[string][]byte),
		conns:      make(map[int]*socketClient),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/check-user", s.handleCheckUser).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/onboard-user", s.handleOnboardUser).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/get-initial-contacts/{userId:[0-9]+}", s.handleInitialContacts).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/get-messages/{userId:[0-9]+}/{peerId:[0-9]+}", s.handleGetMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/add-message", s.handleAddMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/add-image-message", s.handleAddImageMessage).Methods(http.MethodPost)
	r.HandleFunc("/images/{ref}", s.handleImage).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler, usable with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddAccount seeds an account directly, bypassing onboarding. Intended for
// tests and demo fixtures.
func (s *Server) AddAccount(email, name, about, avatarRef string) chatloop.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccount(email, name, about, avatarRef)
}

// createAccount must be called with s.mu held.
func (s *Server) createAccount(email, name, about, avatarRef string) chatloop.Session {
	if id, ok := s.byEmail[email]; ok {
		return *s.accounts[id]
	}
	acct := &chatloop.Session{
		UserID:    s.nextUserID,
		Email:     email,
		Name:      name,
		About:     about,
		AvatarRef: avatarRef,
	}
	s.nextUserID++
	s.accounts[acct.UserID] = acct
	s.byEmail[email] = acct.UserID
	return *acct
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, chatloop.CheckUserResult{})
		return
	}

	s.mu.Lock()
	id, ok := s.byEmail[req.Email]
	var acct *chatloop.Session
	if ok {
		found := *s.accounts[id]
		acct = &found
	}
	s.mu.Unlock()

	if acct == nil {
		writeJSON(w, http.StatusOK, chatloop.CheckUserResult{Status: false})
		return
	}
	writeJSON(w, http.StatusOK, chatloop.CheckUserResult{Status: true, User: acct})
}

func (s *Server) handleOnboardUser(w http.ResponseWriter, r *http.Request) {
	var req chatloop.OnboardOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, chatloop.CheckUserResult{})
		return
	}

	s.mu.Lock()
	acct := s.createAccount(req.Email, req.Name, req.About, req.AvatarRef)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, chatloop.CheckUserResult{Status: true, User: &acct})
}

func (s *Server) handleInitialContacts(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.Atoi(mux.Vars(r)["userId"])

	s.mu.Lock()
	users := make([]chatloop.Contact, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if acct.UserID == userID {
			continue
		}
		users = append(users, chatloop.Contact{
			UserID:    acct.UserID,
			Name:      acct.Name,
			AvatarRef: acct.AvatarRef,
			About:     acct.About,
		})
	}
	online := s.onlineIDs()
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	writeJSON(w, http.StatusOK, chatloop.ContactsResult{Users: users, OnlineUsers: online})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, _ := strconv.Atoi(vars["userId"])
	peerID, _ := strconv.Atoi(vars["peerId"])

	s.mu.Lock()
	msgs := make([]chatloop.Message, 0)
	for _, m := range s.messages {
		if (m.SenderID == userID && m.ReceiverID == peerID) ||
			(m.SenderID == peerID && m.ReceiverID == userID) {
			msgs = append(msgs, *m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	writeJSON(w, http.StatusOK, chatloop.MessagesResult{Messages: msgs})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    int    `json:"from"`
		To      int    `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == 0 || req.To == 0 || req.Message == "" {
		http.Error(w, "from, to and message are required", http.StatusBadRequest)
		return
	}

	msg := s.storeMessage(req.From, req.To, req.Message, chatloop.MessageText)
	writeJSON(w, http.StatusCreated, chatloop.MessageResult{Message: msg})
}

func (s *Server) handleAddImageMessage(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	to, _ := strconv.Atoi(r.URL.Query().Get("to"))
	if from == 0 || to == 0 {
		http.Error(w, "from and to query params are required", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read image", http.StatusBadRequest)
		return
	}

	ref := uuid.NewString()
	s.mu.Lock()
	s.images[ref] = data
	s.mu.Unlock()

	msg := s.storeMessage(from, to, "/images/"+ref, chatloop.MessageImage)
	writeJSON(w, http.StatusCreated, chatloop.MessageResult{Message: msg})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	s.mu.Lock()
	data, ok := s.images[ref]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

func (s *Server) storeMessage(from, to int, body, kind string) chatloop.Message {
	s.mu.Lock()
	msg := &chatloop.Message{
		ID:         s.nextMsgID,
		SenderID:   from,
		ReceiverID: to,
		Body:       body,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
	}
	s.nextMsgID++
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return *msg
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
