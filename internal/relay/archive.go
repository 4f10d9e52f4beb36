package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opArchiveSaveUpdate   = "relay.archive.save_update"
	opArchiveFetchUpdate  = "relay.archive.fetch_update"
	opArchiveSaveSnapshot = "relay.archive.save_snapshot"

	reasonMissingDatabase     = "missing_database"
	reasonInsertFailed        = "insert_failed"
	reasonQueryFailed         = "query_failed"
	reasonUpsertFailed        = "upsert_failed"
	reasonPayloadUndecodable  = "payload_undecodable"
	reasonStoredClientInvalid = "stored_client_invalid"
	reasonStoredUpdateInvalid = "stored_update_invalid"
)

var errMissingArchiveDatabase = errors.New("relay: archive database handle is required")

// ArchiveError carries an operation.reason code for archive failures.
type ArchiveError struct {
	code string
	err  error
}

func (e *ArchiveError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ArchiveError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *ArchiveError) Code() string {
	return e.code
}

func newArchiveError(operation, reason string, cause error) error {
	return &ArchiveError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ArchiveConfig configures the durable update archive.
type ArchiveConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Archive is the gorm-backed write-through store behind the coordinator.
type Archive struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewArchive constructs an Archive with defaults applied.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Database == nil {
		return nil, newArchiveError(opArchiveSaveUpdate, reasonMissingDatabase, errMissingArchiveDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Archive{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveUpdate persists one update record. Replays of the same update id for a
// document are ignored rather than rejected.
func (a *Archive) SaveUpdate(ctx context.Context, docID DocID, record UpdateRecord) error {
	model := StoredUpdate{
		DocID:           docID.String(),
		ClientID:        record.ClientID.String(),
		UpdateID:        record.UpdateID.String(),
		PayloadB64:      base64.StdEncoding.EncodeToString(record.Payload),
		TimestampMillis: record.TimestampMillis,
	}
	result := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		a.logError(opArchiveSaveUpdate, reasonInsertFailed, result.Error,
			zap.String("doc_id", docID.String()),
			zap.String("update_id", record.UpdateID.String()))
		return newArchiveError(opArchiveSaveUpdate, reasonInsertFailed, result.Error)
	}
	return nil
}

// FetchUpdate returns one archived update by identifier.
func (a *Archive) FetchUpdate(ctx context.Context, docID DocID, updateID UpdateID) (UpdateRecord, error) {
	var stored StoredUpdate
	err := a.db.WithContext(ctx).
		Where("doc_id = ? AND update_id = ?", docID.String(), updateID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UpdateRecord{}, ErrUpdateNotFound
	}
	if err != nil {
		a.logError(opArchiveFetchUpdate, reasonQueryFailed, err,
			zap.String("doc_id", docID.String()),
			zap.String("update_id", updateID.String()))
		return UpdateRecord{}, newArchiveError(opArchiveFetchUpdate, reasonQueryFailed, err)
	}

	payload, decodeErr := base64.StdEncoding.DecodeString(stored.PayloadB64)
	if decodeErr != nil {
		a.logError(opArchiveFetchUpdate, reasonPayloadUndecodable, decodeErr,
			zap.String("doc_id", docID.String()),
			zap.String("update_id", updateID.String()))
		return UpdateRecord{}, newArchiveError(opArchiveFetchUpdate, reasonPayloadUndecodable, decodeErr)
	}
	clientID, clientErr := NewClientID(stored.ClientID)
	if clientErr != nil {
		a.logError(opArchiveFetchUpdate, reasonStoredClientInvalid, clientErr,
			zap.String("doc_id", docID.String()))
		return UpdateRecord{}, newArchiveError(opArchiveFetchUpdate, reasonStoredClientInvalid, clientErr)
	}
	storedUpdateID, idErr := NewUpdateID(stored.UpdateID)
	if idErr != nil {
		a.logError(opArchiveFetchUpdate, reasonStoredUpdateInvalid, idErr,
			zap.String("doc_id", docID.String()))
		return UpdateRecord{}, newArchiveError(opArchiveFetchUpdate, reasonStoredUpdateInvalid, idErr)
	}

	return UpdateRecord{
		ClientID:        clientID,
		UpdateID:        storedUpdateID,
		TimestampMillis: stored.TimestampMillis,
		Payload:         payload,
	}, nil
}

// SaveSnapshot upserts the latest snapshot for a document.
func (a *Archive) SaveSnapshot(ctx context.Context, docID DocID, clientID ClientID, snapshot []byte, versionTag string) error {
	model := StoredSnapshot{
		DocID:           docID.String(),
		ClientID:        clientID.String(),
		SnapshotB64:     base64.StdEncoding.EncodeToString(snapshot),
		VersionTag:      versionTag,
		UpdatedAtMillis: a.clock().UTC().UnixMilli(),
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"client_id", "snapshot_b64", "version_tag", "updated_at_ms"}),
	}).Create(&model).Error
	if err != nil {
		a.logError(opArchiveSaveSnapshot, reasonUpsertFailed, err,
			zap.String("doc_id", docID.String()),
			zap.String("client_id", clientID.String()))
		return newArchiveError(opArchiveSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

func (a *Archive) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("relay archive error", attrs...)
}
