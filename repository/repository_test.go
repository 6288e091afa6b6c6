package repository

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rubanlrdu/votingProject/repository/models"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "election.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	// A single connection serializes writers the way Postgres row locks do.
	sqlDB.SetMaxOpenConns(1)

	repo := NewRepository(cmtlog.NewNopLogger())
	repo.UseDB(db)
	if err := repo.Migrate(); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return repo
}

func createApprovedVoter(t *testing.T, repo *Repository, username string) *models.Voter {
	t.Helper()

	voter := &models.Voter{
		Username:     username,
		PasswordHash: "irrelevant",
	}
	if err := repo.CreateVoter(context.Background(), voter); err != nil {
		t.Fatalf("creating voter: %v", err)
	}
	if err := repo.ApproveVoter(context.Background(), voter.ID); err != nil {
		t.Fatalf("approving voter: %v", err)
	}
	return voter
}

func createCandidate(t *testing.T, repo *Repository, name string) *models.Candidate {
	t.Helper()

	candidate := &models.Candidate{Name: name}
	if err := repo.CreateCandidate(context.Background(), candidate); err != nil {
		t.Fatalf("creating candidate: %v", err)
	}
	return candidate
}

func TestCreateVoterDuplicateUsername(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := &models.Voter{Username: "alice", PasswordHash: "x"}
	if err := repo.CreateVoter(ctx, first); err != nil {
		t.Fatalf("creating first voter: %v", err)
	}
	if first.ApplicationStatus != models.StatusPending {
		t.Errorf("new voter status = %q, want %q", first.ApplicationStatus, models.StatusPending)
	}

	second := &models.Voter{Username: "alice", PasswordHash: "y"}
	err := repo.CreateVoter(ctx, second)
	if err == nil {
		t.Fatal("expected duplicate username to fail")
	}
	if err.Code != ErrCodeConflict {
		t.Errorf("error code = %q, want %q", err.Code, ErrCodeConflict)
	}
}

func TestApproveAndRejectVoter(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := &models.Voter{Username: "bob", PasswordHash: "x"}
	if err := repo.CreateVoter(ctx, voter); err != nil {
		t.Fatalf("creating voter: %v", err)
	}

	if err := repo.ApproveVoter(ctx, voter.ID); err != nil {
		t.Fatalf("approving voter: %v", err)
	}
	got, repoErr := repo.GetVoterByID(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("loading voter: %v", repoErr)
	}
	if got.ApplicationStatus != models.StatusApproved {
		t.Errorf("status = %q, want %q", got.ApplicationStatus, models.StatusApproved)
	}

	if err := repo.RejectVoter(ctx, voter.ID, "blurry id proof"); err != nil {
		t.Fatalf("rejecting voter: %v", err)
	}
	got, repoErr = repo.GetVoterByID(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("loading voter: %v", repoErr)
	}
	if got.ApplicationStatus != models.StatusRejected {
		t.Errorf("status = %q, want %q", got.ApplicationStatus, models.StatusRejected)
	}
	if got.RejectionReason == nil || *got.RejectionReason != "blurry id proof" {
		t.Errorf("rejection reason not stored, got %v", got.RejectionReason)
	}

	if err := repo.ApproveVoter(ctx, 9999); err == nil || err.Code != ErrCodeNotFound {
		t.Errorf("approving missing voter: got %v, want %s", err, ErrCodeNotFound)
	}
}

func TestRecordBallotCommitsAtomically(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "carol")
	c1 := createCandidate(t, repo, "Alpha")
	c2 := createCandidate(t, repo, "Beta")

	scores := map[int64]int{c1.ID: 7, c2.ID: 3}
	if err := repo.RecordBallot(ctx, voter.ID, "ballot-1", scores); err != nil {
		t.Fatalf("recording ballot: %v", err)
	}

	hasVoted, repoErr := repo.HasVoted(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("reading has_voted: %v", repoErr)
	}
	if !hasVoted {
		t.Error("has_voted not set after commit")
	}

	count, repoErr := repo.CountVotes(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 2 {
		t.Errorf("vote rows = %d, want 2", count)
	}
}

func TestRecordBallotAlreadyVoted(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "dave")
	candidate := createCandidate(t, repo, "Gamma")

	if err := repo.RecordBallot(ctx, voter.ID, "ballot-1", map[int64]int{candidate.ID: 5}); err != nil {
		t.Fatalf("first ballot: %v", err)
	}

	err := repo.RecordBallot(ctx, voter.ID, "ballot-2", map[int64]int{candidate.ID: 9})
	if err == nil {
		t.Fatal("expected second ballot to be rejected")
	}
	if err.Code != ErrCodeAlreadyVoted {
		t.Errorf("error code = %q, want %q", err.Code, ErrCodeAlreadyVoted)
	}

	count, repoErr := repo.CountVotes(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 1 {
		t.Errorf("vote rows = %d, want 1 (second ballot must leave no rows)", count)
	}
}

func TestRecordBallotNotEligible(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := &models.Voter{Username: "erin", PasswordHash: "x"}
	if err := repo.CreateVoter(ctx, voter); err != nil {
		t.Fatalf("creating voter: %v", err)
	}
	candidate := createCandidate(t, repo, "Delta")

	err := repo.RecordBallot(ctx, voter.ID, "ballot-1", map[int64]int{candidate.ID: 5})
	if err == nil {
		t.Fatal("expected pending voter to be rejected")
	}
	if err.Code != ErrCodeInvalidState {
		t.Errorf("error code = %q, want %q", err.Code, ErrCodeInvalidState)
	}

	err = repo.RecordBallot(ctx, 9999, "ballot-2", map[int64]int{candidate.ID: 5})
	if err == nil || err.Code != ErrCodeNotFound {
		t.Errorf("missing voter: got %v, want %s", err, ErrCodeNotFound)
	}
}

func TestRecordBallotRollsBackOnBadRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "frank")
	c1 := createCandidate(t, repo, "Epsilon")
	c2 := createCandidate(t, repo, "Zeta")

	// The second row violates the score check constraint; the whole ballot
	// must roll back, including the first row.
	err := repo.RecordBallot(ctx, voter.ID, "ballot-1", map[int64]int{c1.ID: 5, c2.ID: 99})
	if err == nil {
		t.Fatal("expected constraint violation to fail the ballot")
	}

	count, repoErr := repo.CountVotes(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 0 {
		t.Errorf("vote rows = %d after rollback, want 0", count)
	}

	hasVoted, repoErr := repo.HasVoted(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("reading has_voted: %v", repoErr)
	}
	if hasVoted {
		t.Error("has_voted set despite rollback")
	}

	// The voter can retry after the failure.
	if err := repo.RecordBallot(ctx, voter.ID, "ballot-2", map[int64]int{c1.ID: 5}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestRecordBallotConcurrentSubmissions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "grace")
	candidate := createCandidate(t, repo, "Eta")

	const attempts = 10
	var successes atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ballotID := "ballot-" + string(rune('a'+n))
			if err := repo.RecordBallot(ctx, voter.ID, ballotID, map[int64]int{candidate.ID: 5}); err == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful commits = %d, want exactly 1", got)
	}

	count, repoErr := repo.CountVotes(ctx, voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 1 {
		t.Errorf("vote rows = %d, want 1", count)
	}
}

func TestCandidateNameConflict(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	createCandidate(t, repo, "Theta")
	err := repo.CreateCandidate(ctx, &models.Candidate{Name: "Theta"})
	if err == nil || err.Code != ErrCodeConflict {
		t.Errorf("duplicate candidate: got %v, want %s", err, ErrCodeConflict)
	}

	other := createCandidate(t, repo, "Iota")
	_, err = repo.UpdateCandidate(ctx, other.ID, map[string]interface{}{"name": "Theta"})
	if err == nil || err.Code != ErrCodeConflict {
		t.Errorf("rename onto existing candidate: got %v, want %s", err, ErrCodeConflict)
	}
}

func TestSaveFaceDescriptorsLockedAfterVote(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "heidi")
	candidate := createCandidate(t, repo, "Kappa")

	if err := repo.SaveFaceDescriptors(ctx, voter.ID, "[0.1,0.2]"); err != nil {
		t.Fatalf("enrolling face: %v", err)
	}

	if err := repo.RecordBallot(ctx, voter.ID, "ballot-1", map[int64]int{candidate.ID: 5}); err != nil {
		t.Fatalf("recording ballot: %v", err)
	}

	err := repo.SaveFaceDescriptors(ctx, voter.ID, "[0.9,0.9]")
	if err == nil || err.Code != ErrCodeInvalidState {
		t.Errorf("overwrite after vote: got %v, want %s", err, ErrCodeInvalidState)
	}
}

func TestDeleteApplicationBlockedAfterVote(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	voter := createApprovedVoter(t, repo, "ivan")
	candidate := createCandidate(t, repo, "Lambda")

	if err := repo.RecordBallot(ctx, voter.ID, "ballot-1", map[int64]int{candidate.ID: 5}); err != nil {
		t.Fatalf("recording ballot: %v", err)
	}

	err := repo.DeleteApplication(ctx, voter.ID)
	if err == nil || err.Code != ErrCodeInvalidState {
		t.Errorf("delete after vote: got %v, want %s", err, ErrCodeInvalidState)
	}
}

func TestResultsPublishingAndTally(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	published, repoErr := repo.ResultsPublished(ctx)
	if repoErr != nil {
		t.Fatalf("reading publish flag: %v", repoErr)
	}
	if published {
		t.Fatal("results published before PublishResults")
	}

	c1 := createCandidate(t, repo, "Mu")
	c2 := createCandidate(t, repo, "Nu")
	createCandidate(t, repo, "Xi")

	v1 := createApprovedVoter(t, repo, "judy")
	v2 := createApprovedVoter(t, repo, "karl")

	if err := repo.RecordBallot(ctx, v1.ID, "ballot-1", map[int64]int{c1.ID: 10, c2.ID: 2}); err != nil {
		t.Fatalf("first ballot: %v", err)
	}
	if err := repo.RecordBallot(ctx, v2.ID, "ballot-2", map[int64]int{c1.ID: 4, c2.ID: 9}); err != nil {
		t.Fatalf("second ballot: %v", err)
	}

	if err := repo.PublishResults(ctx); err != nil {
		t.Fatalf("publishing results: %v", err)
	}
	published, repoErr = repo.ResultsPublished(ctx)
	if repoErr != nil || !published {
		t.Fatalf("publish flag not set: %v", repoErr)
	}

	results, repoErr := repo.TallyResults(ctx)
	if repoErr != nil {
		t.Fatalf("tallying: %v", repoErr)
	}
	if len(results) != 3 {
		t.Fatalf("tally rows = %d, want 3", len(results))
	}

	byName := map[string]CandidateResult{}
	for _, res := range results {
		byName[res.Name] = res
	}
	if byName["Mu"].TotalScore != 14 || byName["Mu"].VoteCount != 2 {
		t.Errorf("Mu tally = %+v, want total 14 count 2", byName["Mu"])
	}
	if byName["Nu"].TotalScore != 11 || byName["Nu"].VoteCount != 2 {
		t.Errorf("Nu tally = %+v, want total 11 count 2", byName["Nu"])
	}
	if byName["Xi"].TotalScore != 0 || byName["Xi"].VoteCount != 0 {
		t.Errorf("Xi tally = %+v, want zeros", byName["Xi"])
	}

	// Highest total first.
	if results[0].Name != "Mu" {
		t.Errorf("first tally row = %s, want Mu", results[0].Name)
	}
}
