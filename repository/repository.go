package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rubanlrdu/votingProject/repository/models"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback
	PgErrSerializationFail   = "40001" // serialization_failure

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
)

// Repository error codes.
const (
	ErrCodeNotFound      = "ENTITY_NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodeAlreadyVoted  = "ALREADY_VOTED"
	ErrCodeInsertFailed  = "INSERT_FAILED"
	ErrCodeUpdateFailed  = "UPDATE_FAILED"
	ErrCodeCommitFailed  = "COMMIT_FAILED"
	ErrCodeDatabaseError = "DATABASE_ERROR"
)

// RepositoryError represents an error in the repository layer (db/constraint)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// CandidateResult is one row of the published tally.
type CandidateResult struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	TotalScore int64  `json:"totalScore"`
	VoteCount  int64  `json:"voteCount"`
}

// Repository owns all access to the relational election ledger.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{
		logger: logger,
	}
}

// ConnectDB opens the Postgres connection, retrying while the database
// container comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// UseDB injects an already-open gorm handle. Tests use this with SQLite.
func (r *Repository) UseDB(db *gorm.DB) {
	r.db = db
}

// Migrate creates or updates the election schema.
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Voter{},
		&models.Candidate{},
		&models.Vote{},
		&models.ElectionState{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	// The singleton row must exist before anything reads the publish flag.
	err = r.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ElectionState{ID: 1, ResultsPublished: false}).Error
	if err != nil {
		return fmt.Errorf("initializing election state: %w", err)
	}

	r.logger.Info("Database migration completed")
	return nil
}

// Seed inserts the admin account and sample candidates if missing.
func (r *Repository) Seed(adminPasswordHash string) error {
	var adminCount int64
	r.db.Model(&models.Voter{}).Where("username = ?", "admin").Count(&adminCount)

	if adminCount == 0 {
		admin := models.Voter{
			Username:          "admin",
			PasswordHash:      adminPasswordHash,
			ApplicationStatus: models.StatusApproved,
			IsAdmin:           true,
		}
		if err := r.db.Create(&admin).Error; err != nil {
			return fmt.Errorf("creating admin user: %w", err)
		}
		r.logger.Info("Admin user created")
	}

	candidates := []string{"Candidate 1", "Candidate 2", "Candidate 3"}
	for _, name := range candidates {
		var count int64
		r.db.Model(&models.Candidate{}).Where("name = ?", name).Count(&count)
		if count > 0 {
			continue
		}
		if err := r.db.Create(&models.Candidate{Name: name}).Error; err != nil {
			return fmt.Errorf("creating candidate %q: %w", name, err)
		}
	}

	r.logger.Info("Database seeding completed")
	return nil
}

// wrapDBError maps a gorm/pgconn error to a RepositoryError.
func wrapDBError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := ErrCodeDatabaseError
		switch pgErr.Code {
		case PgErrUniqueViolation:
			code = ErrCodeConflict
		case PgErrForeignKeyViolation, PgErrCheckViolation, PgErrNotNullViolation:
			code = ErrCodeInsertFailed
		}
		return &RepositoryError{
			Code:    code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabaseError,
		Message: "A database error occurred",
		Detail:  err.Error(),
	}
}

// Voter operations

// CreateVoter registers a new voter application (status Pending).
func (r *Repository) CreateVoter(ctx context.Context, voter *models.Voter) *RepositoryError {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Voter{}).
		Where("username = ?", voter.Username).Count(&count).Error
	if err != nil {
		return wrapDBError(err)
	}
	if count > 0 {
		return &RepositoryError{
			Code:    ErrCodeConflict,
			Message: "Username already exists",
			Detail:  fmt.Sprintf("A voter with username %q is already registered", voter.Username),
		}
	}

	voter.ApplicationStatus = models.StatusPending
	voter.HasVoted = false
	if err := r.db.WithContext(ctx).Create(voter).Error; err != nil {
		return wrapDBError(err)
	}
	return nil
}

// GetVoterByID looks a voter up by primary key.
func (r *Repository) GetVoterByID(ctx context.Context, voterID int64) (*models.Voter, *RepositoryError) {
	var voter models.Voter
	err := r.db.WithContext(ctx).First(&voter, voterID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Voter does not exist",
				Detail:  fmt.Sprintf("Voter with id %d does not exist", voterID),
			}
		}
		return nil, wrapDBError(err)
	}
	return &voter, nil
}

// GetVoterByUsername looks a voter up by unique username.
func (r *Repository) GetVoterByUsername(ctx context.Context, username string) (*models.Voter, *RepositoryError) {
	var voter models.Voter
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&voter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Voter does not exist",
				Detail:  fmt.Sprintf("Voter with username %q does not exist", username),
			}
		}
		return nil, wrapDBError(err)
	}
	return &voter, nil
}

// ListVoters returns every voter, admin accounts included.
func (r *Repository) ListVoters(ctx context.Context) ([]models.Voter, *RepositoryError) {
	var voters []models.Voter
	if err := r.db.WithContext(ctx).Order("voter_id").Find(&voters).Error; err != nil {
		return nil, wrapDBError(err)
	}
	return voters, nil
}

// ListPendingVoters returns applications awaiting admin review.
func (r *Repository) ListPendingVoters(ctx context.Context) ([]models.Voter, *RepositoryError) {
	var voters []models.Voter
	err := r.db.WithContext(ctx).
		Where("application_status = ?", models.StatusPending).
		Order("voter_id").Find(&voters).Error
	if err != nil {
		return nil, wrapDBError(err)
	}
	return voters, nil
}

// ApproveVoter marks an application Approved and clears any rejection reason.
func (r *Repository) ApproveVoter(ctx context.Context, voterID int64) *RepositoryError {
	res := r.db.WithContext(ctx).Model(&models.Voter{}).
		Where("voter_id = ?", voterID).
		Updates(map[string]interface{}{
			"application_status": models.StatusApproved,
			"rejection_reason":   nil,
		})
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    ErrCodeNotFound,
			Message: "Voter does not exist",
			Detail:  fmt.Sprintf("Voter with id %d does not exist", voterID),
		}
	}
	return nil
}

// RejectVoter marks an application Rejected with an optional reason.
func (r *Repository) RejectVoter(ctx context.Context, voterID int64, reason string) *RepositoryError {
	updates := map[string]interface{}{
		"application_status": models.StatusRejected,
	}
	if reason != "" {
		updates["rejection_reason"] = reason
	} else {
		updates["rejection_reason"] = nil
	}

	res := r.db.WithContext(ctx).Model(&models.Voter{}).
		Where("voter_id = ?", voterID).Updates(updates)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    ErrCodeNotFound,
			Message: "Voter does not exist",
			Detail:  fmt.Sprintf("Voter with id %d does not exist", voterID),
		}
	}
	return nil
}

// SaveFaceDescriptors stores the voter's enrolled face template. Overwrite is
// allowed only while the voter has not voted.
func (r *Repository) SaveFaceDescriptors(ctx context.Context, voterID int64, descriptors string) *RepositoryError {
	voter, repoErr := r.GetVoterByID(ctx, voterID)
	if repoErr != nil {
		return repoErr
	}
	if voter.HasVoted {
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Face template is locked",
			Detail:  "The enrolled template cannot be changed after the ballot has been cast",
		}
	}

	res := r.db.WithContext(ctx).Model(&models.Voter{}).
		Where("voter_id = ? AND has_voted = ?", voterID, false).
		Update("face_descriptors", descriptors)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Face template is locked",
			Detail:  "The enrolled template cannot be changed after the ballot has been cast",
		}
	}
	return nil
}

// UpdatePassword replaces the voter's credential hash.
func (r *Repository) UpdatePassword(ctx context.Context, voterID int64, passwordHash string) *RepositoryError {
	res := r.db.WithContext(ctx).Model(&models.Voter{}).
		Where("voter_id = ?", voterID).Update("password_hash", passwordHash)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    ErrCodeNotFound,
			Message: "Voter does not exist",
			Detail:  fmt.Sprintf("Voter with id %d does not exist", voterID),
		}
	}
	return nil
}

// DeleteApplication removes a voter's own application. Voters who already
// cast a ballot cannot delete themselves, that would orphan Vote rows.
func (r *Repository) DeleteApplication(ctx context.Context, voterID int64) *RepositoryError {
	voter, repoErr := r.GetVoterByID(ctx, voterID)
	if repoErr != nil {
		return repoErr
	}
	if voter.HasVoted {
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Application cannot be deleted",
			Detail:  "A voter whose ballot is recorded cannot delete their application",
		}
	}
	if err := r.db.WithContext(ctx).Delete(&models.Voter{}, voterID).Error; err != nil {
		return wrapDBError(err)
	}
	return nil
}

// Candidate operations

// CreateCandidate inserts a new candidate; names are unique.
func (r *Repository) CreateCandidate(ctx context.Context, candidate *models.Candidate) *RepositoryError {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("name = ?", candidate.Name).Count(&count).Error
	if err != nil {
		return wrapDBError(err)
	}
	if count > 0 {
		return &RepositoryError{
			Code:    ErrCodeConflict,
			Message: "Candidate already exists",
			Detail:  fmt.Sprintf("A candidate named %q is already registered", candidate.Name),
		}
	}
	if err := r.db.WithContext(ctx).Create(candidate).Error; err != nil {
		return wrapDBError(err)
	}
	return nil
}

// GetCandidate looks a candidate up by primary key.
func (r *Repository) GetCandidate(ctx context.Context, candidateID int64) (*models.Candidate, *RepositoryError) {
	var candidate models.Candidate
	err := r.db.WithContext(ctx).First(&candidate, candidateID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Candidate does not exist",
				Detail:  fmt.Sprintf("Candidate with id %d does not exist", candidateID),
			}
		}
		return nil, wrapDBError(err)
	}
	return &candidate, nil
}

// ListCandidates returns all candidates in insertion order.
func (r *Repository) ListCandidates(ctx context.Context) ([]models.Candidate, *RepositoryError) {
	var candidates []models.Candidate
	if err := r.db.WithContext(ctx).Order("candidate_id").Find(&candidates).Error; err != nil {
		return nil, wrapDBError(err)
	}
	return candidates, nil
}

// UpdateCandidate applies updates to an existing candidate. A name change
// that collides with another candidate is a conflict.
func (r *Repository) UpdateCandidate(ctx context.Context, candidateID int64, updates map[string]interface{}) (*models.Candidate, *RepositoryError) {
	if _, repoErr := r.GetCandidate(ctx, candidateID); repoErr != nil {
		return nil, repoErr
	}

	if name, ok := updates["name"]; ok {
		var count int64
		err := r.db.WithContext(ctx).Model(&models.Candidate{}).
			Where("name = ? AND candidate_id <> ?", name, candidateID).Count(&count).Error
		if err != nil {
			return nil, wrapDBError(err)
		}
		if count > 0 {
			return nil, &RepositoryError{
				Code:    ErrCodeConflict,
				Message: "Candidate name already exists",
				Detail:  fmt.Sprintf("Another candidate is already named %v", name),
			}
		}
	}

	err := r.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("candidate_id = ?", candidateID).Updates(updates).Error
	if err != nil {
		return nil, wrapDBError(err)
	}
	return r.GetCandidate(ctx, candidateID)
}

// DeleteCandidate removes a candidate.
func (r *Repository) DeleteCandidate(ctx context.Context, candidateID int64) *RepositoryError {
	res := r.db.WithContext(ctx).Delete(&models.Candidate{}, candidateID)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    ErrCodeNotFound,
			Message: "Candidate does not exist",
			Detail:  fmt.Sprintf("Candidate with id %d does not exist", candidateID),
		}
	}
	return nil
}

// Ballot operations

// HasVoted reads the voter's has_voted flag.
func (r *Repository) HasVoted(ctx context.Context, voterID int64) (bool, *RepositoryError) {
	voter, repoErr := r.GetVoterByID(ctx, voterID)
	if repoErr != nil {
		return false, repoErr
	}
	return voter.HasVoted, nil
}

// RecordBallot persists a complete ballot in one database transaction: one
// Vote row per (candidate, score) entry plus the voter's has_voted flip.
// The flip is a conditional update on has_voted = false; together with the
// row lock it guarantees at most one committed ballot per voter no matter
// how many submissions race.
func (r *Repository) RecordBallot(ctx context.Context, voterID int64, ballotID string, scores map[int64]int) *RepositoryError {
	dbTx := r.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return &RepositoryError{
			Code:    ErrCodeDatabaseError,
			Message: "Failed to start transaction",
			Detail:  dbTx.Error.Error(),
		}
	}

	var voter models.Voter
	query := dbTx
	if dbTx.Dialector.Name() == "postgres" {
		// SQLite has no FOR UPDATE; its single-writer lock covers this.
		query = dbTx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.First(&voter, voterID).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Voter does not exist",
				Detail:  fmt.Sprintf("Voter with id %d does not exist", voterID),
			}
		}
		return wrapDBError(err)
	}

	if !voter.IsApproved() {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Voter is not eligible",
			Detail:  fmt.Sprintf("Application status is %s, must be %s", voter.ApplicationStatus, models.StatusApproved),
		}
	}
	if voter.HasVoted {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeAlreadyVoted,
			Message: "Voter has already voted",
			Detail:  fmt.Sprintf("Voter %d already has a committed ballot", voterID),
		}
	}

	now := time.Now()
	for candidateID, score := range scores {
		vote := models.Vote{
			VoterID:     voterID,
			CandidateID: candidateID,
			BallotID:    ballotID,
			Score:       score,
			Timestamp:   now,
		}
		if err := dbTx.Create(&vote).Error; err != nil {
			dbTx.Rollback()
			repoErr := wrapDBError(err)
			if repoErr.Code == ErrCodeDatabaseError {
				repoErr.Code = ErrCodeInsertFailed
			}
			return repoErr
		}
	}

	res := dbTx.Model(&models.Voter{}).
		Where("voter_id = ? AND has_voted = ?", voterID, false).
		Update("has_voted", true)
	if res.Error != nil {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeUpdateFailed,
			Message: "Failed to update voter status",
			Detail:  res.Error.Error(),
		}
	}
	if res.RowsAffected == 0 {
		// Another submission won the race between our read and this write.
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeAlreadyVoted,
			Message: "Voter has already voted",
			Detail:  fmt.Sprintf("Voter %d already has a committed ballot", voterID),
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{
			Code:    ErrCodeCommitFailed,
			Message: "Failed to commit transaction",
			Detail:  err.Error(),
		}
	}
	return nil
}

// CountVotes returns the number of Vote rows stored for a voter.
func (r *Repository) CountVotes(ctx context.Context, voterID int64) (int64, *RepositoryError) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Vote{}).
		Where("voter_id = ?", voterID).Count(&count).Error
	if err != nil {
		return 0, wrapDBError(err)
	}
	return count, nil
}

// Results operations

// PublishResults flips the singleton publish flag.
func (r *Repository) PublishResults(ctx context.Context) *RepositoryError {
	res := r.db.WithContext(ctx).Model(&models.ElectionState{}).
		Where("id = ?", 1).Update("results_published", true)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	return nil
}

// ResultsPublished reads the singleton publish flag.
func (r *Repository) ResultsPublished(ctx context.Context) (bool, *RepositoryError) {
	var state models.ElectionState
	err := r.db.WithContext(ctx).First(&state, 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, wrapDBError(err)
	}
	return state.ResultsPublished, nil
}

// TallyResults aggregates total score and vote count per candidate,
// highest total first. Candidates with no votes appear with zeros.
func (r *Repository) TallyResults(ctx context.Context) ([]CandidateResult, *RepositoryError) {
	var results []CandidateResult
	err := r.db.WithContext(ctx).Model(&models.Candidate{}).
		Select("candidates.candidate_id AS id, candidates.name AS name, COALESCE(SUM(votes.score), 0) AS total_score, COUNT(votes.vote_id) AS vote_count").
		Joins("LEFT JOIN votes ON votes.candidate_id = candidates.candidate_id").
		Group("candidates.candidate_id, candidates.name").
		Order("total_score DESC").
		Scan(&results).Error
	if err != nil {
		return nil, wrapDBError(err)
	}
	return results, nil
}
