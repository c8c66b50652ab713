// Package store implements a deduplicating, filter-queryable, soft-deleting
// persistence layer for Nostr events, backed by gorm with a Postgres driver
// in production and an embedded glebarez/sqlite driver for tests and
// single-process deployments.
package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

// StoredEventRecord is the gorm-mapped row for a persisted Nostr event.
// Tags are stored as a JSON column; tag filters are not pushed down to the
// database but matched in-application after the rows are decoded (see
// GormStore.Query).
type StoredEventRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	PubKey     string `gorm:"size:64;index"`
	CreatedAt  int64  `gorm:"index"`
	Kind       int32  `gorm:"index"`
	TagsJSON   string `gorm:"type:jsonb"`
	Content    string
	Sig        string `gorm:"size:128"`
	ReceivedAt int64
	SourcePeer string `gorm:"size:255"`
	IsDeleted  bool   `gorm:"index"`
	ExpiresAt  *int64 `gorm:"index"`
}

// TableName pins the table name regardless of the struct name gorm infers.
func (StoredEventRecord) TableName() string { return "stored_events" }

// AutoMigrate creates or updates the stored_events table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&StoredEventRecord{})
}

func toRecord(e *nostr.Event, sourcePeer string, receivedAt time.Time) (*StoredEventRecord, error) {
	tagsJSON, err := encodeTags(e.Tags)
	if err != nil {
		return nil, err
	}
	rec := &StoredEventRecord{
		ID:         e.ID,
		PubKey:     e.PubKey,
		CreatedAt:  e.CreatedAt,
		Kind:       e.Kind,
		TagsJSON:   tagsJSON,
		Content:    e.Content,
		Sig:        e.Sig,
		ReceivedAt: receivedAt.Unix(),
		SourcePeer: sourcePeer,
		IsDeleted:  false,
	}
	if exp, ok := e.ExpirationUnix(); ok {
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func fromRecord(rec *StoredEventRecord) (*nostr.Event, error) {
	tags, err := decodeTags(rec.TagsJSON)
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		ID:        rec.ID,
		PubKey:    rec.PubKey,
		CreatedAt: rec.CreatedAt,
		Kind:      rec.Kind,
		Tags:      tags,
		Content:   rec.Content,
		Sig:       rec.Sig,
	}, nil
}
