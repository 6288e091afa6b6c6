package models

// Candidate represents a contestant on the ballot
type Candidate struct {
	ID          int64   `gorm:"column:candidate_id;primaryKey;autoIncrement"`
	Name        string  `gorm:"column:name;type:varchar(100);uniqueIndex;not null"`
	DateOfBirth *string `gorm:"column:date_of_birth;type:varchar(10)"`
	Party       *string `gorm:"column:party;type:varchar(100)"`
	ImageURL    *string `gorm:"column:image_url;type:varchar(500)"`

	// Relationships
	Votes []Vote `gorm:"foreignKey:CandidateID"`
}
