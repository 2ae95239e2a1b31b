package rooms

import "time"

// EditRecord is a persisted, client-identified unit of collaborative project state.
type EditRecord struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID int64     `gorm:"column:project_id;not null;index:idx_events_project"`
	Username  string    `gorm:"column:username;size:190;not null;default:''"`
	DataJSON  string    `gorm:"column:event_data;type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (EditRecord) TableName() string {
	return "events"
}
