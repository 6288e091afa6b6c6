package models

import "time"

// Vote is a single voter -> candidate score. All Vote rows sharing a BallotID
// were inserted in one transaction together with the voter's has_voted flip.
type Vote struct {
	ID          int64      `gorm:"column:vote_id;primaryKey;autoIncrement"`
	VoterID     int64      `gorm:"column:voter_id;index;not null"`
	Voter       *Voter     `gorm:"foreignKey:VoterID"`
	CandidateID int64      `gorm:"column:candidate_id;index;not null"`
	Candidate   *Candidate `gorm:"foreignKey:CandidateID"`
	BallotID    string     `gorm:"column:ballot_id;type:varchar(36);index;not null"`
	Score       int        `gorm:"column:score;not null;check:score >= 1 AND score <= 10"`
	Timestamp   time.Time  `gorm:"column:timestamp;autoCreateTime"`
}
