package models

// ElectionState is a singleton row (id = 1) gating result visibility.
type ElectionState struct {
	ID               int64 `gorm:"column:id;primaryKey"`
	ResultsPublished bool  `gorm:"column:results_published;default:false"`
}

// TableName keeps the singular table name used by the schema.
func (ElectionState) TableName() string {
	return "election_state"
}
