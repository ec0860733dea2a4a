// Package chattest is an in-process chat backend for tests. It implements
// the same REST and websocket contract as the real server: register/login
// issuing HS256 tokens, bounded room history, room stats, and a room-scoped
// broadcast channel. Tests drive it to inject live traffic and to force
// normal or abnormal closes.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"chatline/internal/types"
)

const (
	maxRoomHistory  = 200
	defaultLimit    = 50
	tokenTTL        = 24 * time.Hour
	signingKey      = "chattest-signing-key"
	closeGracePause = time.Second
)

type userClaims struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
	jwt.RegisteredClaims
}

type account struct {
	id   int64
	hash []byte
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeGracePause))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	users      map[string]*account
	nextUserID int64
	history    map[string][]types.Message
	rooms      map[string]map[*client]struct{}
}

func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 512,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		users:   make(map[string]*account),
		history: make(map[string][]types.Message),
		rooms:   make(map[string]map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/room-stats", s.handleRoomStats)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL is the http base address of the backend.
func (s *Server) URL() string {
	return s.httpServer.URL
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, clients := range s.rooms {
		for c := range clients {
			_ = c.conn.Close()
		}
	}
	s.rooms = make(map[string]map[*client]struct{})
	s.mu.Unlock()
	s.httpServer.Close()
}

// MintToken issues a token outside the register/login flow, letting tests
// build expired or short-lived credentials.
func (s *Server) MintToken(username string, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &userClaims{
		Username: username,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

// Broadcast injects a live message into a room, stamping id and timestamp
// the way the real backend does, and returns the stamped message.
func (s *Server) Broadcast(room string, msg types.Message) types.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	msg.Room = room

	s.appendHistory(room, msg)
	data, _ := json.Marshal(msg)
	s.fanOut(room, data)
	return msg
}

// BroadcastRaw pushes an arbitrary frame to every client in the room,
// bypassing the Message shape. Used to exercise malformed-frame handling.
func (s *Server) BroadcastRaw(room string, data []byte) {
	s.fanOut(room, data)
}

// SeedHistory preloads backlog messages for a room without touching any
// live connection.
func (s *Server) SeedHistory(room string, messages ...types.Message) []types.Message {
	stamped := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.Timestamp == "" {
			msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		msg.Room = room
		s.appendHistory(room, msg)
		stamped = append(stamped, msg)
	}
	return stamped
}

// CloseRoom drops every connection in the room. CloseNormalClosure performs
// a clean close handshake; any other code tears the socket down so peers
// observe an abnormal close.
func (s *Server) CloseRoom(room string, code int) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		clients = append(clients, c)
	}
	delete(s.rooms, room)
	s.mu.Unlock()

	for _, c := range clients {
		if code == websocket.CloseNormalClosure {
			deadline := time.Now().Add(closeGracePause)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		}
		_ = c.conn.Close()
	}
}

// ClientCount reports the number of live connections in a room.
func (s *Server) ClientCount(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload types.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	payload.Username = strings.TrimSpace(payload.Username)
	if payload.Username == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[payload.Username]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}
	s.nextUserID++
	id := s.nextUserID
	s.users[payload.Username] = &account{id: id, hash: hash}
	s.mu.Unlock()

	s.writeAuthResponse(w, http.StatusCreated, payload.Username, id)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	user, exists := s.users[strings.TrimSpace(payload.Username)]
	s.mu.Unlock()

	if !exists || bcrypt.CompareHashAndPassword(user.hash, []byte(payload.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	s.writeAuthResponse(w, http.StatusOK, strings.TrimSpace(payload.Username), user.id)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.claimsFromBearer(r); err != nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	room := r.URL.Query().Get("room")
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	s.mu.Lock()
	all := s.history[room]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	messages := make([]types.Message, len(all))
	copy(messages, all)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	counts := make(map[string]int, len(s.rooms))
	for room, clients := range s.rooms {
		counts[room] = len(clients)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(counts)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "Room is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*client]struct{})
	}
	s.rooms[room][c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.rooms[room], c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		msg.ID = uuid.New().String()
		msg.User = claims.Username
		msg.Room = room
		if msg.Timestamp == "" {
			msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}

		s.appendHistory(room, msg)
		payload, _ := json.Marshal(msg)
		s.fanOut(room, payload)
	}
}

func (s *Server) writeAuthResponse(w http.ResponseWriter, status int, username string, id int64) {
	token, err := s.MintToken(username, id, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.AuthResponse{
		Token:    token,
		Username: username,
		UserID:   id,
	})
}

func (s *Server) claimsFromBearer(r *http.Request) (*userClaims, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, jwt.ErrTokenMalformed
	}
	return s.parseToken(token)
}

func (s *Server) parseToken(token string) (*userClaims, error) {
	claims := &userClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

func (s *Server) appendHistory(room string, msg types.Message) {
	s.mu.Lock()
	s.history[room] = append(s.history[room], msg)
	if len(s.history[room]) > maxRoomHistory {
		s.history[room] = s.history[room][len(s.history[room])-maxRoomHistory:]
	}
	s.mu.Unlock()
}

func (s *Server) fanOut(room string, data []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.write(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: message})
}
