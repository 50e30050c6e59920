package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rosterd/internal/auth"
	"rosterd/internal/config"
	"rosterd/internal/crypto"
	"rosterd/internal/model"
	"rosterd/internal/sync"
)

// StudentStore is the slice of the repository the handlers need. The live
// server passes the primary store; tests pass an in-memory fake.
type StudentStore interface {
	CreateStudent(ctx context.Context, student model.Student) error
	GetByID(ctx context.Context, id string) (model.Student, error)
	GetByIdentifier(ctx context.Context, identifier string) (model.Student, error)
	ListStudents(ctx context.Context) ([]model.Student, error)
	UsernameOrEmailTaken(ctx context.Context, username, email, excludeID string) (bool, error)
	MaxStudentSeq(ctx context.Context, year int) (int, error)
	UpdateStudent(ctx context.Context, student model.Student) error
	DeleteStudent(ctx context.Context, id string) (bool, error)
}

// Syncer triggers a reconciliation pass on operator request.
type Syncer interface {
	TriggerNow(ctx context.Context) (sync.PassResult, error)
	Status() sync.Status
}

type Server struct {
	cfg    config.Config
	store  StudentStore
	syncer Syncer
}

func NewServer(cfg config.Config, store StudentStore, syncer Syncer) *Server {
	return &Server{cfg: cfg, store: store, syncer: syncer}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/students", func(r chi.Router) {
		r.Post("/", s.handleSignup)
		r.Post("/login", s.handleLogin)

		r.With(s.authMiddleware).Get("/me", s.handleGetMe)
		r.With(s.authMiddleware, s.require(auth.ActionListStudents)).Get("/", s.handleListStudents)
		r.With(s.authMiddleware).Post("/sync-local-to-atlas", s.handleManualSync)

		r.With(s.authMiddleware).Get("/{id}", s.handleGetStudent)
		r.With(s.authMiddleware).Put("/{id}", s.handleUpdateStudent)
		r.With(s.authMiddleware, s.require(auth.ActionDeleteStudent)).Delete("/{id}", s.handleDeleteStudent)
		r.With(s.authMiddleware).Put("/{id}/courses", s.handleUpdateCourses)
		r.With(s.authMiddleware, s.require(auth.ActionToggleAdmin)).Put("/{id}/admin", s.handleToggleAdmin)
		r.With(s.authMiddleware).Post("/{id}/change-password", s.handleChangePassword)
	})

	return r
}

type signupRequest struct {
	Name            string   `json:"name"`
	Username        string   `json:"username"`
	Email           string   `json:"email"`
	Password        string   `json:"password"`
	ConfirmPassword string   `json:"confirmPassword"`
	Age             int      `json:"age,omitempty"`
	Courses         []string `json:"courses,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Name == "" || req.Username == "" || req.Email == "" || req.Password == "" || req.ConfirmPassword == "" {
		writeError(w, http.StatusBadRequest, "All fields are required: Name, Username, Email, Password, Confirm Password")
		return
	}
	if req.Password != req.ConfirmPassword {
		writeError(w, http.StatusBadRequest, "Passwords do not match")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters long")
		return
	}
	courses, ok := normalizeCourses(req.Courses)
	if !ok {
		writeError(w, http.StatusBadRequest, "Courses must be an array of non-empty strings")
		return
	}

	taken, err := s.store.UsernameOrEmailTaken(r.Context(), req.Username, req.Email, "")
	if err != nil {
		s.writeStoreError(w, err, "Error creating account")
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, "Username or email already exists")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error creating account")
		return
	}

	year := time.Now().UTC().Year()
	seq, err := s.store.MaxStudentSeq(r.Context(), year)
	if err != nil {
		s.writeStoreError(w, err, "Error creating account")
		return
	}

	now := time.Now().UTC()
	student := model.Student{
		ID:           uuid.NewString(),
		StudentID:    model.FormatStudentID(year, seq+1),
		Name:         req.Name,
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Age:          req.Age,
		Courses:      courses,
		IsAdmin:      false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateStudent(r.Context(), student); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "Username, email, or student ID already exists")
			return
		}
		s.writeStoreError(w, err, "Error creating account")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Account created successfully",
		"student": student,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Identifier = strings.TrimSpace(strings.ToLower(req.Identifier))
	if req.Identifier == "" || req.Password == "" {
		// Same response as a failed lookup so nothing leaks about which
		// part was wrong.
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	student, err := s.store.GetByIdentifier(r.Context(), req.Identifier)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		s.writeStoreError(w, err, "Error logging in")
		return
	}
	if err := crypto.CheckPassword(student.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		Username: student.Username,
		IsAdmin:  student.IsAdmin,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error logging in")
		return
	}

	redirect := "/profile"
	if student.IsAdmin {
		redirect = "/admin"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"redirect": redirect,
		"message":  "Login successful",
		"isAdmin":  student.IsAdmin,
	})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "No token provided")
		return
	}

	student, err := s.store.GetByIdentifier(r.Context(), claims.Username)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.writeStoreError(w, err, "Error fetching user")
		return
	}
	writeJSON(w, http.StatusOK, student)
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := s.store.ListStudents(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "Error fetching students")
		return
	}
	if students == nil {
		students = []model.Student{}
	}
	writeJSON(w, http.StatusOK, students)
}

func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error fetching student")
		return
	}
	writeJSON(w, http.StatusOK, student)
}

type updateStudentRequest struct {
	Name            string   `json:"name"`
	Username        string   `json:"username"`
	Email           string   `json:"email"`
	Password        string   `json:"password,omitempty"`
	ConfirmPassword string   `json:"confirmPassword,omitempty"`
	Age             int      `json:"age,omitempty"`
	Courses         []string `json:"courses,omitempty"`
	IsAdmin         *bool    `json:"isAdmin,omitempty"`
}

func (s *Server) handleUpdateStudent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req updateStudentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Name == "" || req.Username == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Name, username, and email are required")
		return
	}
	if req.Password != "" {
		if req.ConfirmPassword == "" {
			writeError(w, http.StatusBadRequest, "Confirm Password is required when changing the password")
			return
		}
		if req.Password != req.ConfirmPassword {
			writeError(w, http.StatusBadRequest, "Passwords do not match")
			return
		}
		if len(req.Password) < 6 {
			writeError(w, http.StatusBadRequest, "Password must be at least 6 characters long")
			return
		}
	}
	if req.IsAdmin != nil && !auth.Allowed(claims, auth.ActionSetAdminFlag, "") {
		writeError(w, http.StatusForbidden, "Only admins can modify admin status")
		return
	}

	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error updating student")
		return
	}

	taken, err := s.store.UsernameOrEmailTaken(r.Context(), req.Username, req.Email, student.ID)
	if err != nil {
		s.writeStoreError(w, err, "Error updating student")
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, "Username or email already exists")
		return
	}

	student.Name = req.Name
	student.Username = req.Username
	student.Email = req.Email
	student.Age = req.Age
	if courses, ok := normalizeCourses(req.Courses); ok {
		student.Courses = courses
	} else {
		writeError(w, http.StatusBadRequest, "Courses must be an array of non-empty strings")
		return
	}
	if req.Password != "" {
		hash, err := crypto.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Error updating student")
			return
		}
		student.PasswordHash = hash
	}
	if req.IsAdmin != nil {
		student.IsAdmin = *req.IsAdmin
	}
	student.UpdatedAt = model.NextUpdatedAt(student.UpdatedAt)

	if err := s.store.UpdateStudent(r.Context(), student); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "Username or email already exists")
			return
		}
		s.writeStoreError(w, err, "Error updating student")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Student updated successfully",
		"student": student,
	})
}

func (s *Server) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error deleting student")
		return
	}
	if student.Username == model.RootAdminUsername {
		writeError(w, http.StatusForbidden, "Cannot delete the main admin account")
		return
	}

	deleted, err := s.store.DeleteStudent(r.Context(), student.ID)
	if err != nil {
		s.writeStoreError(w, err, "Error deleting student")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Student not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Student deleted successfully"})
}

type updateCoursesRequest struct {
	Courses []string `json:"courses"`
}

func (s *Server) handleUpdateCourses(w http.ResponseWriter, r *http.Request) {
	var req updateCoursesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	courses, ok := normalizeCourses(req.Courses)
	if !ok {
		writeError(w, http.StatusBadRequest, "Courses must be an array of non-empty strings")
		return
	}

	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error updating courses")
		return
	}

	student.Courses = courses
	student.UpdatedAt = model.NextUpdatedAt(student.UpdatedAt)
	if err := s.store.UpdateStudent(r.Context(), student); err != nil {
		s.writeStoreError(w, err, "Error updating courses")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Courses updated successfully",
		"student": student,
	})
}

type toggleAdminRequest struct {
	IsAdmin bool `json:"isAdmin"`
}

func (s *Server) handleToggleAdmin(w http.ResponseWriter, r *http.Request) {
	var req toggleAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error updating admin status")
		return
	}

	student.IsAdmin = req.IsAdmin
	student.UpdatedAt = model.NextUpdatedAt(student.UpdatedAt)
	if err := s.store.UpdateStudent(r.Context(), student); err != nil {
		s.writeStoreError(w, err, "Error updating admin status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Admin status updated successfully",
		"student": student,
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "Both old and new passwords are required")
		return
	}
	if len(req.NewPassword) < 6 {
		writeError(w, http.StatusBadRequest, "New password must be at least 6 characters long")
		return
	}

	student, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Student not found")
			return
		}
		s.writeStoreError(w, err, "Error changing password")
		return
	}

	if !auth.Allowed(claims, auth.ActionChangePassword, student.Username) {
		writeError(w, http.StatusForbidden, "Unauthorized to change this password")
		return
	}
	if err := crypto.CheckPassword(student.PasswordHash, req.OldPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "Incorrect old password")
		return
	}

	hash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error changing password")
		return
	}
	student.PasswordHash = hash
	student.UpdatedAt = model.NextUpdatedAt(student.UpdatedAt)

	if err := s.store.UpdateStudent(r.Context(), student); err != nil {
		s.writeStoreError(w, err, "Error changing password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Sync is not configured")
		return
	}

	result, err := s.syncer.TriggerNow(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrStoresUnhealthy):
			writeError(w, http.StatusServiceUnavailable, "Database connection error. Please try again later.")
		case errors.Is(err, sync.ErrLockHeld):
			writeError(w, http.StatusConflict, "Sync already running elsewhere")
		default:
			writeError(w, http.StatusInternalServerError, "Sync failed: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "Sync completed successfully",
		"copied":        result.Copied(),
		"localToRemote": result.LocalToRemote,
		"remoteToLocal": result.RemoteToLocal,
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "No token provided")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require gates a route on the central authorization policy.
func (s *Server) require(action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if !auth.Allowed(claims, action, "") {
				writeError(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// normalizeCourses trims entries and rejects empty ones. A nil list is valid
// and becomes an empty slice.
func normalizeCourses(courses []string) ([]string, bool) {
	normalized := make([]string, 0, len(courses))
	for _, course := range courses {
		course = strings.TrimSpace(course)
		if course == "" {
			return nil, false
		}
		normalized = append(normalized, course)
	}
	return normalized, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Database connection error. Please try again later.")
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "Student not found")
	case errors.Is(err, model.ErrDuplicate):
		writeError(w, http.StatusBadRequest, "Username, email, or student ID already exists")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
