package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"titledb/internal/app"
	"titledb/internal/ratelimit"
	"titledb/internal/util"
	"titledb/pkg/domain"
	"titledb/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// SignupLimiter and TokenLimiter may be nil to disable rate limiting.
	SignupLimiter *ratelimit.FixedWindowLimiter
	TokenLimiter  *ratelimit.FixedWindowLimiter
	Proxies       *util.TrustedProxies
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	signupLimiter *ratelimit.FixedWindowLimiter
	tokenLimiter  *ratelimit.FixedWindowLimiter
	proxies       *util.TrustedProxies
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		signupLimiter: cfg.SignupLimiter,
		tokenLimiter:  cfg.TokenLimiter,
		proxies:       cfg.Proxies,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with request middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("POST /api/v1/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)

	// users
	s.mux.HandleFunc("GET /api/v1/users", s.handleListUsers)
	s.mux.HandleFunc("POST /api/v1/users", s.handleCreateUser)
	s.mux.HandleFunc("GET /api/v1/users/me", s.handleMe)
	s.mux.HandleFunc("PATCH /api/v1/users/me", s.handleUpdateMe)
	s.mux.HandleFunc("GET /api/v1/users/{username}", s.handleGetUser)
	s.mux.HandleFunc("PATCH /api/v1/users/{username}", s.handleUpdateUser)
	s.mux.HandleFunc("DELETE /api/v1/users/{username}", s.handleDeleteUser)

	// catalog
	s.mux.HandleFunc("GET /api/v1/categories", s.handleListCategories)
	s.mux.HandleFunc("POST /api/v1/categories", s.handleCreateCategory)
	s.mux.HandleFunc("DELETE /api/v1/categories/{slug}", s.handleDeleteCategory)
	s.mux.HandleFunc("GET /api/v1/genres", s.handleListGenres)
	s.mux.HandleFunc("POST /api/v1/genres", s.handleCreateGenre)
	s.mux.HandleFunc("DELETE /api/v1/genres/{slug}", s.handleDeleteGenre)
	s.mux.HandleFunc("GET /api/v1/titles", s.handleListTitles)
	s.mux.HandleFunc("POST /api/v1/titles", s.handleCreateTitle)
	s.mux.HandleFunc("GET /api/v1/titles/{titleID}", s.handleGetTitle)
	s.mux.HandleFunc("PATCH /api/v1/titles/{titleID}", s.handleUpdateTitle)
	s.mux.HandleFunc("DELETE /api/v1/titles/{titleID}", s.handleDeleteTitle)

	// reviews and comments
	s.mux.HandleFunc("GET /api/v1/titles/{titleID}/reviews", s.handleListReviews)
	s.mux.HandleFunc("POST /api/v1/titles/{titleID}/reviews", s.handleCreateReview)
	s.mux.HandleFunc("GET /api/v1/titles/{titleID}/reviews/{reviewID}", s.handleGetReview)
	s.mux.HandleFunc("PATCH /api/v1/titles/{titleID}/reviews/{reviewID}", s.handleUpdateReview)
	s.mux.HandleFunc("DELETE /api/v1/titles/{titleID}/reviews/{reviewID}", s.handleDeleteReview)
	s.mux.HandleFunc("GET /api/v1/titles/{titleID}/reviews/{reviewID}/comments", s.handleListComments)
	s.mux.HandleFunc("POST /api/v1/titles/{titleID}/reviews/{reviewID}/comments", s.handleCreateComment)
	s.mux.HandleFunc("GET /api/v1/titles/{titleID}/reviews/{reviewID}/comments/{commentID}", s.handleGetComment)
	s.mux.HandleFunc("PATCH /api/v1/titles/{titleID}/reviews/{reviewID}/comments/{commentID}", s.handleUpdateComment)
	s.mux.HandleFunc("DELETE /api/v1/titles/{titleID}/reviews/{reviewID}/comments/{commentID}", s.handleDeleteComment)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor resolves the optional bearer identity. nil means anonymous.
func (s *Server) actor(r *http.Request) *domain.User {
	token, ok := bearerToken(r)
	if !ok {
		return nil
	}
	user, ok := s.app.UserFromToken(token)
	if !ok {
		return nil
	}
	return &user
}

func (s *Server) allow(limiter *ratelimit.FixedWindowLimiter, w http.ResponseWriter, r *http.Request) bool {
	if limiter.Allow(util.ClientIP(r, s.proxies)) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// auth handlers

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type tokenRequest struct {
	Username         string `json:"username"`
	ConfirmationCode string `json:"confirmationCode"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allow(s.signupLimiter, w, r) {
		return
	}
	var req signupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.SignUp(r.Context(), req.Username, req.Email)
	if err != nil {
		s.writeAppError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"username": user.Username,
		"email":    user.Email,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.allow(s.tokenLimiter, w, r) {
		return
	}
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.app.IssueToken(req.Username, req.ConfirmationCode)
	if err != nil {
		s.writeAppError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// user handlers

type userPatchRequest struct {
	Email     *string `json:"email"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Bio       *string `json:"bio"`
	Role      *string `json:"role"`
}

type userCreateRequest struct {
	Username string `json:"username"`
	userPatchRequest
}

func (req userPatchRequest) patch() app.UserPatch {
	p := app.UserPatch{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Bio:       req.Bio,
	}
	if req.Role != nil {
		role := domain.Role(*req.Role)
		p.Role = &role
	}
	return p
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	users, err := s.app.ListUsers(actor)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req userCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.CreateUser(actor, req.Username, valueOr(req.Email), req.patch())
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	user, err := s.app.GetUser(actor, r.PathValue("username"))
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req userPatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.UpdateUser(actor, r.PathValue("username"), req.patch())
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if err := s.app.DeleteUser(actor, r.PathValue("username")); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	user, err := s.app.Me(actor)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req userPatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.UpdateMe(actor, req.patch())
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// catalog handlers

type nameSlugRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type titleRequest struct {
	Name        string   `json:"name"`
	Year        int      `json:"year"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Genre       []string `json:"genre"`
}

func (req titleRequest) input() app.TitleInput {
	return app.TitleInput{
		Name:         req.Name,
		Year:         req.Year,
		Description:  req.Description,
		CategorySlug: req.Category,
		GenreSlugs:   req.Genre,
	}
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	categories, err := s.app.ListCategories(actor, r.URL.Query().Get("search"))
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": categories, "count": len(categories)})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req nameSlugRequest
	if !decodeBody(w, r, &req) {
		return
	}
	category, err := s.app.CreateCategory(actor, req.Name, req.Slug)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if err := s.app.DeleteCategory(actor, r.PathValue("slug")); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGenres(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	genres, err := s.app.ListGenres(actor, r.URL.Query().Get("search"))
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": genres, "count": len(genres)})
}

func (s *Server) handleCreateGenre(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req nameSlugRequest
	if !decodeBody(w, r, &req) {
		return
	}
	genre, err := s.app.CreateGenre(actor, req.Name, req.Slug)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, genre)
}

func (s *Server) handleDeleteGenre(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if err := s.app.DeleteGenre(actor, r.PathValue("slug")); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTitles(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	q := r.URL.Query()
	filter := store.TitleFilter{
		Category: q.Get("category"),
		Genre:    q.Get("genre"),
		Name:     q.Get("name"),
	}
	if raw := q.Get("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "year must be an integer")
			return
		}
		filter.Year = year
	}
	titles, err := s.app.ListTitles(actor, filter)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": titles, "count": len(titles)})
}

func (s *Server) handleCreateTitle(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req titleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	title, err := s.app.CreateTitle(actor, req.input())
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, title)
}

func (s *Server) handleGetTitle(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	title, err := s.app.GetTitle(actor, id)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, title)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	var req titleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	title, err := s.app.UpdateTitle(actor, id, req.input())
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, title)
}

func (s *Server) handleDeleteTitle(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	if err := s.app.DeleteTitle(actor, id); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// review and comment handlers

type reviewRequest struct {
	Score int    `json:"score"`
	Text  string `json:"text"`
}

type commentRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviews, err := s.app.ListReviews(actor, titleID)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reviews, "count": len(reviews)})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	review, err := s.app.CreateReview(actor, titleID, req.Score, req.Text)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	review, err := s.app.GetReview(actor, titleID, reviewID)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleUpdateReview(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	review, err := s.app.UpdateReview(actor, titleID, reviewID, req.Score, req.Text)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleDeleteReview(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	if err := s.app.DeleteReview(actor, titleID, reviewID); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	comments, err := s.app.ListComments(actor, titleID, reviewID)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": comments, "count": len(comments)})
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	var req commentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	comment, err := s.app.CreateComment(actor, titleID, reviewID, req.Text)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleGetComment(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	commentID, ok := pathID(w, r, "commentID")
	if !ok {
		return
	}
	comment, err := s.app.GetComment(actor, titleID, reviewID, commentID)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	commentID, ok := pathID(w, r, "commentID")
	if !ok {
		return
	}
	var req commentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	comment, err := s.app.UpdateComment(actor, titleID, reviewID, commentID, req.Text)
	if err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	reviewID, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	commentID, ok := pathID(w, r, "commentID")
	if !ok {
		return
	}
	if err := s.app.DeleteComment(actor, titleID, reviewID, commentID); err != nil {
		s.writeAppError(w, r, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// helpers

// writeAppError maps the application error taxonomy onto status codes.
// Permission denials from anonymous callers come back as 401 so clients
// know to authenticate first.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, actor *domain.User, err error) {
	var verr *app.ValidationError
	var cerr *app.ConflictError
	var derr *app.DeliveryError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrPermissionDenied):
		if actor == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, cerr.Error())
	case errors.As(err, &derr):
		writeError(w, http.StatusBadGateway, "confirmation delivery failed")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func valueOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
