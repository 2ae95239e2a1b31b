package notifications

import "time"

// Record is a persisted, user-owned notification. Reading one deletes it, so
// every stored record is unread.
type Record struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username   string    `gorm:"column:username;size:190;not null;index:idx_notifications_user_time,priority:1"`
	EventName  string    `gorm:"column:event_name;size:190;not null"`
	DataJSON   string    `gorm:"column:data;type:text"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_notifications_user_time,priority:2"`
	ReadStatus bool      `gorm:"column:read_status;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notifications"
}

// View is the client representation of a notification. ID is nil for
// transient and broadcast deliveries.
type View struct {
	ID         *int64    `json:"id"`
	Username   string    `json:"username"`
	EventName  string    `json:"eventName"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
	ReadStatus bool      `json:"readStatus"`
}

// Payload renders the view as an envelope payload.
func (v View) Payload() map[string]any {
	var id any
	if v.ID != nil {
		id = *v.ID
	}
	return map[string]any{
		"id":         id,
		"username":   v.Username,
		"eventName":  v.EventName,
		"data":       v.Data,
		"timestamp":  v.Timestamp.UTC().Format(time.RFC3339Nano),
		"readStatus": v.ReadStatus,
	}
}
