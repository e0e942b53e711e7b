package preferences

import "time"

// Preference stores the default lab selected by a user. One row per user; overwritten, never deleted.
type Preference struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LabName   string    `gorm:"column:lab_name;size:190;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Preference) TableName() string {
	return "user_preferences"
}
