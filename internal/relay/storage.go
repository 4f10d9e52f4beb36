package relay

// StoredUpdate persists one relayed update blob beyond the in-memory window.
type StoredUpdate struct {
	RowID           int64  `gorm:"column:row_id;primaryKey;autoIncrement"`
	DocID           string `gorm:"column:doc_id;size:190;not null;index:idx_sync_updates_doc_time,priority:1;uniqueIndex:idx_sync_update_identity,priority:1"`
	ClientID        string `gorm:"column:client_id;size:190;not null"`
	UpdateID        string `gorm:"column:update_id;size:190;not null;uniqueIndex:idx_sync_update_identity,priority:2"`
	PayloadB64      string `gorm:"column:payload_b64;type:text;not null"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_sync_updates_doc_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (StoredUpdate) TableName() string {
	return "sync_updates"
}

// StoredSnapshot persists the latest compacted snapshot per document.
type StoredSnapshot struct {
	DocID           string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	ClientID        string `gorm:"column:client_id;size:190;not null"`
	SnapshotB64     string `gorm:"column:snapshot_b64;type:text;not null"`
	VersionTag      string `gorm:"column:version_tag;size:190;not null;default:''"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredSnapshot) TableName() string {
	return "sync_snapshots"
}
