package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ChatID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Username  string
	State     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func (UserModel) TableName() string { return "users" }

type SubmissionModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index"`
	Name      *string
	Email     *string
	Rating    *int
	CreatedAt time.Time `gorm:"not null;index"`
	Completed bool      `gorm:"not null;index"`
}

func (SubmissionModel) TableName() string { return "submissions" }
