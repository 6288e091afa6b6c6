package models

// Application status values for a Voter.
const (
	StatusPending  = "Pending"
	StatusApproved = "Approved"
	StatusRejected = "Rejected"
)

// Voter represents a registered user of the election. HasVoted may only
// transition false -> true, exactly once, inside a ballot transaction.
type Voter struct {
	ID                    int64   `gorm:"column:voter_id;primaryKey;autoIncrement"`
	Username              string  `gorm:"column:username;type:varchar(50);uniqueIndex;not null"`
	PasswordHash          string  `gorm:"column:password_hash;type:text;not null"`
	FullName              *string `gorm:"column:full_name;type:varchar(100)"`
	Address               *string `gorm:"column:address;type:text"`
	MobileNumber          *string `gorm:"column:mobile_number;type:varchar(20)"`
	DateOfBirth           *string `gorm:"column:date_of_birth;type:varchar(10)"`
	IDProofFilename       *string `gorm:"column:id_proof_filename;type:varchar(255)"`
	RealtimePhotoFilename *string `gorm:"column:realtime_photo_filename;type:varchar(255)"`
	FaceDescriptors       *string `gorm:"column:face_descriptors;type:text"`
	ApplicationStatus     string  `gorm:"column:application_status;type:varchar(20);default:'Pending'"`
	RejectionReason       *string `gorm:"column:rejection_reason;type:text"`
	HasVoted              bool    `gorm:"column:has_voted;default:false"`
	IsAdmin               bool    `gorm:"column:is_admin;default:false"`

	// Relationships
	Votes []Vote `gorm:"foreignKey:VoterID"`
}

// IsApproved reports whether the voter's application has been approved by an
// admin, which is required before a ballot is accepted.
func (v *Voter) IsApproved() bool {
	return v.ApplicationStatus == StatusApproved
}

// HasEnrolledFace reports whether a face descriptor has been stored.
func (v *Voter) HasEnrolledFace() bool {
	return v.FaceDescriptors != nil && *v.FaceDescriptors != ""
}
