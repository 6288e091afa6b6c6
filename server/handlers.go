package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rubanlrdu/votingProject/auth"
	"github.com/rubanlrdu/votingProject/face"
	"github.com/rubanlrdu/votingProject/repository/models"
	"github.com/rubanlrdu/votingProject/voting"
)

const minVotingAge = 18

// voterProfile is the voter representation sent to clients.
type voterProfile struct {
	ID                int64   `json:"id"`
	Username          string  `json:"username"`
	FullName          *string `json:"fullName"`
	Address           *string `json:"address"`
	MobileNumber      *string `json:"mobileNumber"`
	DateOfBirth       *string `json:"dateOfBirth"`
	ApplicationStatus string  `json:"applicationStatus"`
	RejectionReason   *string `json:"rejectionReason"`
	HasVoted          bool    `json:"hasVoted"`
	IsAdmin           bool    `json:"isAdmin"`
	FaceEnrolled      bool    `json:"faceEnrolled"`
	IDProofFilename   *string `json:"idProofFilename,omitempty"`
}

func toVoterProfile(voter *models.Voter) voterProfile {
	return voterProfile{
		ID:                voter.ID,
		Username:          voter.Username,
		FullName:          voter.FullName,
		Address:           voter.Address,
		MobileNumber:      voter.MobileNumber,
		DateOfBirth:       voter.DateOfBirth,
		ApplicationStatus: voter.ApplicationStatus,
		RejectionReason:   voter.RejectionReason,
		HasVoted:          voter.HasVoted,
		IsAdmin:           voter.IsAdmin,
		FaceEnrolled:      voter.HasEnrolledFace(),
		IDProofFilename:   voter.IDProofFilename,
	}
}

// Auth handlers

func (ws *WebServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		JSONError(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	fullName := strings.TrimSpace(r.FormValue("full_name"))
	address := strings.TrimSpace(r.FormValue("address"))
	mobileNumber := strings.TrimSpace(r.FormValue("mobile_number"))
	dateOfBirth := strings.TrimSpace(r.FormValue("date_of_birth"))

	if username == "" || password == "" {
		JSONError(w, "Username and password are required", http.StatusBadRequest)
		return
	}
	if fullName == "" || dateOfBirth == "" {
		JSONError(w, "Full name and date of birth are required", http.StatusBadRequest)
		return
	}

	birthDate, err := time.Parse("2006-01-02", dateOfBirth)
	if err != nil {
		JSONError(w, "Date of birth must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if ageAt(birthDate, time.Now()) < minVotingAge {
		JSONError(w, fmt.Sprintf("You must be at least %d years old to register", minVotingAge), http.StatusBadRequest)
		return
	}

	idProofFile, idProofHeader, err := r.FormFile("idProof")
	if err != nil {
		JSONError(w, "An ID proof document is required", http.StatusBadRequest)
		return
	}
	defer idProofFile.Close()

	photoFile, photoHeader, err := r.FormFile("realtimePhoto")
	if err != nil {
		JSONError(w, "A realtime photo is required", http.StatusBadRequest)
		return
	}
	defer photoFile.Close()

	idProofFilename, err := ws.saveUpload(idProofFile, idProofHeader)
	if err != nil {
		JSONError(w, "Failed to store ID proof", http.StatusInternalServerError)
		ws.logger.Error("Failed to store upload", "err", err)
		return
	}
	photoFilename, err := ws.saveUpload(photoFile, photoHeader)
	if err != nil {
		ws.removeUpload(idProofFilename)
		JSONError(w, "Failed to store realtime photo", http.StatusInternalServerError)
		ws.logger.Error("Failed to store upload", "err", err)
		return
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		ws.removeUpload(idProofFilename)
		ws.removeUpload(photoFilename)
		JSONError(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	voter := &models.Voter{
		Username:              username,
		PasswordHash:          passwordHash,
		FullName:              &fullName,
		DateOfBirth:           &dateOfBirth,
		IDProofFilename:       &idProofFilename,
		RealtimePhotoFilename: &photoFilename,
	}
	if address != "" {
		voter.Address = &address
	}
	if mobileNumber != "" {
		voter.MobileNumber = &mobileNumber
	}

	if repoErr := ws.repository.CreateVoter(r.Context(), voter); repoErr != nil {
		ws.removeUpload(idProofFilename)
		ws.removeUpload(photoFilename)
		if repoErr.Code == "CONFLICT" {
			JSONError(w, "Username already exists", http.StatusConflict)
			return
		}
		JSONError(w, "Registration failed: "+repoErr.Message, http.StatusInternalServerError)
		return
	}

	ws.logger.Info("Voter application registered", "username", username, "voterId", voter.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Application submitted, awaiting admin approval",
		"user":    toVoterProfile(voter),
	})
}

func (ws *WebServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByUsername(r.Context(), body.Username)
	if repoErr != nil || !auth.CheckPassword(voter.PasswordHash, body.Password) {
		JSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := ws.issuer.Issue(voter.ID, voter.Username, voter.IsAdmin)
	if err != nil {
		JSONError(w, "Failed to issue token", http.StatusInternalServerError)
		ws.logger.Error("Failed to issue token", "err", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  toVoterProfile(voter),
	})
}

func (ws *WebServer) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	voter, repoErr := ws.repository.GetVoterByID(r.Context(), claims.VoterID)
	if repoErr != nil {
		JSONError(w, "Voter not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toVoterProfile(voter))
}

func (ws *WebServer) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.NewPassword == "" {
		JSONError(w, "New password is required", http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByID(r.Context(), claims.VoterID)
	if repoErr != nil {
		JSONError(w, "Voter not found", http.StatusNotFound)
		return
	}
	if !auth.CheckPassword(voter.PasswordHash, body.CurrentPassword) {
		JSONError(w, "Current password is incorrect", http.StatusForbidden)
		return
	}

	passwordHash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		JSONError(w, "Failed to process password", http.StatusInternalServerError)
		return
	}
	if repoErr := ws.repository.UpdatePassword(r.Context(), claims.VoterID, passwordHash); repoErr != nil {
		JSONError(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

// Forgot-password handlers. The flow is unauthenticated; the caller proves
// identity with the enrolled face template instead of a password. Responses
// for unknown accounts and ineligible accounts share one message so the
// endpoint does not leak which usernames exist.

const (
	forgotPasswordIneligible = "Invalid information or account not eligible for facial password reset"
	minResetPasswordLength   = 8
)

func (ws *WebServer) handleForgotPasswordValidateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username    string `json:"username"`
		DateOfBirth string `json:"date_of_birth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Username == "" || body.DateOfBirth == "" {
		JSONError(w, "Username and date of birth are required", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", body.DateOfBirth); err != nil {
		JSONError(w, "Date of birth must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByUsername(r.Context(), body.Username)
	if repoErr != nil {
		JSONError(w, forgotPasswordIneligible, http.StatusNotFound)
		return
	}
	if voter.DateOfBirth == nil || *voter.DateOfBirth != body.DateOfBirth || !voter.HasEnrolledFace() {
		JSONError(w, forgotPasswordIneligible, http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"userId":  voter.ID,
	})
}

func (ws *WebServer) handleForgotPasswordVerifyFace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username   string    `json:"username"`
		Descriptor []float64 `json:"descriptor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Username == "" || len(body.Descriptor) == 0 {
		JSONError(w, "Username and a live face descriptor are required", http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByUsername(r.Context(), body.Username)
	if repoErr != nil || !voter.HasEnrolledFace() {
		JSONError(w, "User not found or no face data enrolled", http.StatusNotFound)
		return
	}

	match, distance, err := ws.matchEnrolledFace(voter, body.Descriptor)
	if err != nil {
		if errors.Is(err, face.ErrDimensionMismatch) {
			JSONError(w, "Invalid face descriptor: "+err.Error(), http.StatusBadRequest)
			return
		}
		JSONError(w, "Stored face template is unreadable", http.StatusInternalServerError)
		ws.logger.Error("Failed to parse stored face template", "voterId", voter.ID, "err", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  match,
		"distance": distance,
	})
}

func (ws *WebServer) handleForgotPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username    string    `json:"username"`
		Descriptor  []float64 `json:"descriptor"`
		NewPassword string    `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Username == "" || len(body.Descriptor) == 0 || body.NewPassword == "" {
		JSONError(w, "Username, a live face descriptor and a new password are required", http.StatusBadRequest)
		return
	}
	if len(body.NewPassword) < minResetPasswordLength {
		JSONError(w, fmt.Sprintf("Password must be at least %d characters long", minResetPasswordLength), http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByUsername(r.Context(), body.Username)
	if repoErr != nil {
		JSONError(w, forgotPasswordIneligible, http.StatusNotFound)
		return
	}
	if !voter.HasEnrolledFace() {
		JSONError(w, forgotPasswordIneligible, http.StatusForbidden)
		return
	}

	match, _, err := ws.matchEnrolledFace(voter, body.Descriptor)
	if err != nil {
		if errors.Is(err, face.ErrDimensionMismatch) {
			JSONError(w, "Invalid face descriptor: "+err.Error(), http.StatusBadRequest)
			return
		}
		JSONError(w, "Stored face template is unreadable", http.StatusInternalServerError)
		ws.logger.Error("Failed to parse stored face template", "voterId", voter.ID, "err", err)
		return
	}
	if !match {
		JSONError(w, "Face does not match enrolled data", http.StatusForbidden)
		return
	}

	passwordHash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		JSONError(w, "Failed to process password", http.StatusInternalServerError)
		return
	}
	if repoErr := ws.repository.UpdatePassword(r.Context(), voter.ID, passwordHash); repoErr != nil {
		JSONError(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	ws.logger.Info("Password reset via face verification", "voterId", voter.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

// matchEnrolledFace compares a live descriptor against the voter's stored
// template. The caller must check HasEnrolledFace first.
func (ws *WebServer) matchEnrolledFace(voter *models.Voter, live []float64) (bool, float64, error) {
	enrolled, err := face.ParseDescriptor(*voter.FaceDescriptors)
	if err != nil {
		return false, 0, err
	}
	return face.Verify(enrolled, live)
}

func (ws *WebServer) handleDeleteMyApplication(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	voter, repoErr := ws.repository.GetVoterByID(r.Context(), claims.VoterID)
	if repoErr != nil {
		JSONError(w, "Voter not found", http.StatusNotFound)
		return
	}
	if voter.IsApproved() {
		JSONError(w, "An approved application cannot be deleted", http.StatusForbidden)
		return
	}

	if repoErr := ws.repository.DeleteApplication(r.Context(), claims.VoterID); repoErr != nil {
		if repoErr.Code == "INVALID_STATE" {
			JSONError(w, repoErr.Message, http.StatusForbidden)
			return
		}
		JSONError(w, "Failed to delete application", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Application deleted"})
}

// Face handlers

func (ws *WebServer) handleEnrollFace(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var body struct {
		Descriptor []float64 `json:"descriptor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	encoded, err := face.EncodeDescriptor(body.Descriptor)
	if err != nil {
		JSONError(w, "Invalid face descriptor: "+err.Error(), http.StatusBadRequest)
		return
	}

	if repoErr := ws.repository.SaveFaceDescriptors(r.Context(), claims.VoterID, encoded); repoErr != nil {
		if repoErr.Code == "INVALID_STATE" {
			JSONError(w, repoErr.Message, http.StatusForbidden)
			return
		}
		JSONError(w, "Failed to save face template", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Face template enrolled"})
}

func (ws *WebServer) handleFaceStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	voter, repoErr := ws.repository.GetVoterByID(r.Context(), claims.VoterID)
	if repoErr != nil {
		JSONError(w, "Voter not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enrolled": voter.HasEnrolledFace()})
}

func (ws *WebServer) handleVerifyFace(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var body struct {
		Descriptor []float64 `json:"descriptor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	voter, repoErr := ws.repository.GetVoterByID(r.Context(), claims.VoterID)
	if repoErr != nil {
		JSONError(w, "Voter not found", http.StatusNotFound)
		return
	}
	if !voter.HasEnrolledFace() {
		JSONError(w, "No face template enrolled", http.StatusPreconditionFailed)
		return
	}

	match, distance, err := ws.matchEnrolledFace(voter, body.Descriptor)
	if err != nil {
		if errors.Is(err, face.ErrDimensionMismatch) {
			JSONError(w, "Invalid face descriptor: "+err.Error(), http.StatusBadRequest)
			return
		}
		JSONError(w, "Stored face template is unreadable", http.StatusInternalServerError)
		ws.logger.Error("Failed to parse stored face template", "voterId", voter.ID, "err", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"match":    match,
		"distance": distance,
	})
}

// Admin handlers

func (ws *WebServer) handleAdminListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, repoErr := ws.repository.ListCandidates(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to list candidates", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (ws *WebServer) handleAdminCreateCandidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string  `json:"name"`
		DateOfBirth *string `json:"dateOfBirth"`
		Party       *string `json:"party"`
		ImageURL    *string `json:"imageUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		JSONError(w, "Candidate name is required", http.StatusBadRequest)
		return
	}

	candidate := &models.Candidate{
		Name:        strings.TrimSpace(body.Name),
		DateOfBirth: body.DateOfBirth,
		Party:       body.Party,
		ImageURL:    body.ImageURL,
	}
	if repoErr := ws.repository.CreateCandidate(r.Context(), candidate); repoErr != nil {
		if repoErr.Code == "CONFLICT" {
			JSONError(w, "A candidate with that name already exists", http.StatusConflict)
			return
		}
		JSONError(w, "Failed to create candidate", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, candidate)
}

func (ws *WebServer) handleAdminUpdateCandidate(w http.ResponseWriter, r *http.Request) {
	candidateID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid candidate id", http.StatusBadRequest)
		return
	}

	var body struct {
		Name        *string `json:"name"`
		DateOfBirth *string `json:"dateOfBirth"`
		Party       *string `json:"party"`
		ImageURL    *string `json:"imageUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updates := map[string]interface{}{}
	if body.Name != nil {
		if strings.TrimSpace(*body.Name) == "" {
			JSONError(w, "Candidate name must not be empty", http.StatusBadRequest)
			return
		}
		updates["name"] = strings.TrimSpace(*body.Name)
	}
	if body.DateOfBirth != nil {
		updates["date_of_birth"] = *body.DateOfBirth
	}
	if body.Party != nil {
		updates["party"] = *body.Party
	}
	if body.ImageURL != nil {
		updates["image_url"] = *body.ImageURL
	}
	if len(updates) == 0 {
		JSONError(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	candidate, repoErr := ws.repository.UpdateCandidate(r.Context(), candidateID, updates)
	if repoErr != nil {
		switch repoErr.Code {
		case "ENTITY_NOT_FOUND":
			JSONError(w, "Candidate not found", http.StatusNotFound)
		case "CONFLICT":
			JSONError(w, "A candidate with that name already exists", http.StatusConflict)
		default:
			JSONError(w, "Failed to update candidate", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, candidate)
}

func (ws *WebServer) handleAdminDeleteCandidate(w http.ResponseWriter, r *http.Request) {
	candidateID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid candidate id", http.StatusBadRequest)
		return
	}

	if repoErr := ws.repository.DeleteCandidate(r.Context(), candidateID); repoErr != nil {
		if repoErr.Code == "ENTITY_NOT_FOUND" {
			JSONError(w, "Candidate not found", http.StatusNotFound)
			return
		}
		JSONError(w, "Failed to delete candidate", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Candidate deleted"})
}

func (ws *WebServer) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	voters, repoErr := ws.repository.ListVoters(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to list users", http.StatusInternalServerError)
		return
	}
	profiles := make([]voterProfile, 0, len(voters))
	for i := range voters {
		profiles = append(profiles, toVoterProfile(&voters[i]))
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (ws *WebServer) handleAdminListPendingUsers(w http.ResponseWriter, r *http.Request) {
	voters, repoErr := ws.repository.ListPendingVoters(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to list pending users", http.StatusInternalServerError)
		return
	}
	profiles := make([]voterProfile, 0, len(voters))
	for i := range voters {
		profiles = append(profiles, toVoterProfile(&voters[i]))
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (ws *WebServer) handleAdminApproveUser(w http.ResponseWriter, r *http.Request) {
	voterID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	if repoErr := ws.repository.ApproveVoter(r.Context(), voterID); repoErr != nil {
		if repoErr.Code == "ENTITY_NOT_FOUND" {
			JSONError(w, "User not found", http.StatusNotFound)
			return
		}
		JSONError(w, "Failed to approve user", http.StatusInternalServerError)
		return
	}

	ws.logger.Info("Voter application approved", "voterId", voterID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Application approved"})
}

func (ws *WebServer) handleAdminRejectUser(w http.ResponseWriter, r *http.Request) {
	voterID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional; a rejection may carry no reason.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if repoErr := ws.repository.RejectVoter(r.Context(), voterID, body.Reason); repoErr != nil {
		if repoErr.Code == "ENTITY_NOT_FOUND" {
			JSONError(w, "User not found", http.StatusNotFound)
			return
		}
		JSONError(w, "Failed to reject user", http.StatusInternalServerError)
		return
	}

	ws.logger.Info("Voter application rejected", "voterId", voterID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Application rejected"})
}

func (ws *WebServer) handleAdminPublishResults(w http.ResponseWriter, r *http.Request) {
	if repoErr := ws.repository.PublishResults(r.Context()); repoErr != nil {
		JSONError(w, "Failed to publish results", http.StatusInternalServerError)
		return
	}
	ws.logger.Info("Election results published")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Results published"})
}

func (ws *WebServer) handleAdminServeUpload(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.PathValue("filename"))
	if filename == "." || filename == ".." || filename == "/" {
		JSONError(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(ws.uploadsDir, filename))
}

// Voting handlers

func (ws *WebServer) handleVoteCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, repoErr := ws.repository.ListCandidates(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to list candidates", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (ws *WebServer) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	hasVoted, submitErr := ws.coordinator.HasVoted(r.Context(), claims.VoterID)
	if submitErr != nil {
		if submitErr.Code == voting.ErrCodeVoterNotFound {
			JSONError(w, "Voter not found", http.StatusNotFound)
			return
		}
		JSONError(w, "Failed to read voting status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hasVoted": hasVoted})
}

func (ws *WebServer) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var body struct {
		Scores map[string]int `json:"scores"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		JSONErrorCode(w, voting.ErrCodeInvalidBallot, "Invalid request body", http.StatusBadRequest)
		return
	}

	scores := make(map[int64]int, len(body.Scores))
	for key, score := range body.Scores {
		candidateID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			JSONErrorCode(w, voting.ErrCodeInvalidBallot, "Candidate ids must be numeric", http.StatusBadRequest)
			return
		}
		scores[candidateID] = score
	}

	receipt, submitErr := ws.coordinator.SubmitVote(r.Context(), claims.VoterID, scores)
	if submitErr != nil {
		JSONErrorCode(w, submitErr.Code, submitErr.Message, submissionStatus(submitErr.Code))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "Vote recorded and anchored",
		"ballotId":        receipt.BallotID,
		"transactionHash": receipt.TxHash,
		"blockHeight":     receipt.BlockHeight,
	})
}

func submissionStatus(code string) int {
	switch code {
	case voting.ErrCodeInvalidBallot:
		return http.StatusBadRequest
	case voting.ErrCodeVoterNotFound:
		return http.StatusNotFound
	case voting.ErrCodeNotEligible, voting.ErrCodeAlreadyVoted:
		return http.StatusForbidden
	case voting.ErrCodeAnchorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public handlers

func (ws *WebServer) handleResults(w http.ResponseWriter, r *http.Request) {
	published, repoErr := ws.repository.ResultsPublished(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to read election state", http.StatusInternalServerError)
		return
	}
	if !published {
		JSONError(w, "Results have not been published yet", http.StatusForbidden)
		return
	}

	results, repoErr := ws.repository.TallyResults(r.Context())
	if repoErr != nil {
		JSONError(w, "Failed to tally results", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (ws *WebServer) handleAnchorStatus(w http.ResponseWriter, r *http.Request) {
	if ws.anchorStatus == nil {
		JSONError(w, "Anchor lookups are not available", http.StatusServiceUnavailable)
		return
	}

	txHash := r.PathValue("txHash")
	status, err := ws.anchorStatus.Status(r.Context(), txHash)
	if err != nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Helpers

// saveUpload writes an uploaded file under the uploads dir with a random
// name, keeping only the original extension.
func (ws *WebServer) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(ws.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads dir: %w", err)
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generating filename: %w", err)
	}
	filename := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), hex.EncodeToString(suffix), filepath.Ext(header.Filename))

	dst, err := os.Create(filepath.Join(ws.uploadsDir, filename))
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("writing upload file: %w", err)
	}
	return filename, nil
}

// removeUpload deletes a stored upload after a failed registration so
// rejected attempts do not accumulate files on disk.
func (ws *WebServer) removeUpload(filename string) {
	if filename == "" {
		return
	}
	if err := os.Remove(filepath.Join(ws.uploadsDir, filename)); err != nil && !os.IsNotExist(err) {
		ws.logger.Error("Failed to remove upload", "filename", filename, "err", err)
	}
}

// ageAt computes full years between birth date and now.
func ageAt(birthDate, now time.Time) int {
	age := now.Year() - birthDate.Year()
	if now.Month() < birthDate.Month() ||
		(now.Month() == birthDate.Month() && now.Day() < birthDate.Day()) {
		age--
	}
	return age
}
