package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rubanlrdu/votingProject/anchor"
	"github.com/rubanlrdu/votingProject/auth"
	"github.com/rubanlrdu/votingProject/repository"
	"github.com/rubanlrdu/votingProject/voting"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// AnchorStatusClient looks anchored transactions up on chain.
type AnchorStatusClient interface {
	Status(ctx context.Context, txHash string) (*anchor.TxStatus, error)
}

// Config wires the web server's collaborators.
type Config struct {
	HTTPPort     string
	Repository   *repository.Repository
	Coordinator  *voting.Coordinator
	Issuer       *auth.Issuer
	AnchorStatus AnchorStatusClient
	UploadsDir   string
	Logger       cmtlog.Logger
}

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr     string
	server       *http.Server
	mux          *http.ServeMux
	logger       cmtlog.Logger
	startTime    time.Time
	repository   *repository.Repository
	coordinator  *voting.Coordinator
	issuer       *auth.Issuer
	anchorStatus AnchorStatusClient
	uploadsDir   string
}

// NewWebServer creates a new web server
func NewWebServer(cfg Config) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + cfg.HTTPPort,
		server: &http.Server{
			Addr:    ":" + cfg.HTTPPort,
			Handler: mux,
		},
		mux:          mux,
		logger:       cfg.Logger,
		startTime:    time.Now(),
		repository:   cfg.Repository,
		coordinator:  cfg.Coordinator,
		issuer:       cfg.Issuer,
		anchorStatus: cfg.AnchorStatus,
		uploadsDir:   cfg.UploadsDir,
	}

	// Register routes
	mux.HandleFunc("GET /api/health", ws.handleHealth)

	mux.HandleFunc("POST /api/auth/register", ws.handleRegister)
	mux.HandleFunc("POST /api/auth/login", ws.handleLogin)
	mux.HandleFunc("GET /api/auth/me", ws.requireAuth(ws.handleMe))
	mux.HandleFunc("POST /api/auth/change-password", ws.requireAuth(ws.handleChangePassword))
	mux.HandleFunc("POST /api/auth/forgot-password/validate-user", ws.handleForgotPasswordValidateUser)
	mux.HandleFunc("POST /api/auth/forgot-password/verify-face", ws.handleForgotPasswordVerifyFace)
	mux.HandleFunc("POST /api/auth/forgot-password/reset", ws.handleForgotPasswordReset)
	mux.HandleFunc("DELETE /api/auth/my-application", ws.requireAuth(ws.handleDeleteMyApplication))
	mux.HandleFunc("POST /api/auth/enroll-face", ws.requireAuth(ws.handleEnrollFace))
	mux.HandleFunc("GET /api/auth/face-status", ws.requireAuth(ws.handleFaceStatus))
	mux.HandleFunc("POST /api/auth/verify-face", ws.requireAuth(ws.handleVerifyFace))

	mux.HandleFunc("GET /api/admin/candidates", ws.requireAdmin(ws.handleAdminListCandidates))
	mux.HandleFunc("POST /api/admin/candidates", ws.requireAdmin(ws.handleAdminCreateCandidate))
	mux.HandleFunc("PUT /api/admin/candidates/{id}", ws.requireAdmin(ws.handleAdminUpdateCandidate))
	mux.HandleFunc("DELETE /api/admin/candidates/{id}", ws.requireAdmin(ws.handleAdminDeleteCandidate))
	mux.HandleFunc("GET /api/admin/users", ws.requireAdmin(ws.handleAdminListUsers))
	mux.HandleFunc("GET /api/admin/users/pending", ws.requireAdmin(ws.handleAdminListPendingUsers))
	mux.HandleFunc("POST /api/admin/users/{id}/approve", ws.requireAdmin(ws.handleAdminApproveUser))
	mux.HandleFunc("POST /api/admin/users/{id}/reject", ws.requireAdmin(ws.handleAdminRejectUser))
	mux.HandleFunc("POST /api/admin/publish-results", ws.requireAdmin(ws.handleAdminPublishResults))
	mux.HandleFunc("GET /api/admin/uploads/{filename}", ws.requireAdmin(ws.handleAdminServeUpload))

	mux.HandleFunc("GET /api/vote/candidates", ws.requireAuth(ws.handleVoteCandidates))
	mux.HandleFunc("GET /api/vote/user/status", ws.requireAuth(ws.handleVoteStatus))
	mux.HandleFunc("POST /api/vote", ws.requireAuth(ws.handleSubmitVote))

	mux.HandleFunc("GET /api/results", ws.handleResults)
	mux.HandleFunc("GET /api/anchor/status/{txHash}", ws.handleAnchorStatus)

	return ws
}

// Handler exposes the route table. Tests drive it through httptest.
func (ws *WebServer) Handler() http.Handler {
	return ws.mux
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(ws.startTime).String(),
	})
}

type claimsKey struct{}

// requireAuth verifies the bearer token and stores its claims in the request
// context.
func (ws *WebServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			JSONError(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		claims, err := ws.issuer.Verify(tokenString)
		if err != nil {
			JSONError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin additionally checks the admin claim.
func (ws *WebServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return ws.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		if claims == nil || !claims.IsAdmin {
			JSONError(w, "Admin access required", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	return claims
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(body); err != nil {
		http.Error(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
	}
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}

// JSONErrorCode is JSONError with a machine-readable error code attached.
func JSONErrorCode(w http.ResponseWriter, code, message string, statusCode int) {
	errorResponse := struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}{
		Code:  code,
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
