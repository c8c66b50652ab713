package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
)

// StoreOutcome is the result of a Store call.
type StoreOutcome int

const (
	Inserted StoreOutcome = iota
	Duplicate
)

// EventStore persists events keyed by event ID, serves filter-based
// queries, and supports soft deletion and expiration.
type EventStore interface {
	Store(e *nostr.Event, sourcePeer string) (StoreOutcome, error)
	Exists(id string) (bool, error)
	Get(id string) (*nostr.Event, error)
	Delete(id string) (bool, error)
	Query(filters []*nostr.Filter) ([]*nostr.Event, error)
	Count() (int64, error)
	CountByKind(kind int32) (int64, error)
}

// ErrNotFound is returned by Get when no live (non-deleted, unexpired)
// event exists with the given id.
var ErrNotFound = errors.New("store: event not found")

// GormStore is a gorm-backed EventStore. The same type works against both
// Postgres (production) and glebarez/sqlite (tests, embedded deployments)
// since both support the jsonb-ish TagsJSON column as plain text.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a GormStore.
type Option func(*GormStore)

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) { s.now = now }
}

// New wraps an already-migrated gorm.DB as an EventStore.
func New(db *gorm.DB, opts ...Option) *GormStore {
	s := &GormStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store inserts e, returning Duplicate (not an error) if an event with the
// same id already exists.
func (s *GormStore) Store(e *nostr.Event, sourcePeer string) (StoreOutcome, error) {
	rec, err := toRecord(e, sourcePeer, s.now())
	if err != nil {
		return 0, err
	}

	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(rec)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// Exists reports whether any row (deleted or not, expired or not) has id.
func (s *GormStore) Exists(id string) (bool, error) {
	var count int64
	if err := s.db.Model(&StoredEventRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get returns the event for id, or ErrNotFound if it is absent, deleted, or expired.
func (s *GormStore) Get(id string) (*nostr.Event, error) {
	var rec StoredEventRecord
	now := s.now().Unix()
	err := s.db.Where("id = ? AND is_deleted = ? AND (expires_at IS NULL OR expires_at > ?)", id, false, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// Delete soft-deletes id. Idempotent: deleting an absent or already-deleted
// event is not an error.
func (s *GormStore) Delete(id string) (bool, error) {
	result := s.db.Model(&StoredEventRecord{}).Where("id = ?", id).Update("is_deleted", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Count returns the number of live (non-deleted, unexpired) events.
func (s *GormStore) Count() (int64, error) {
	var count int64
	now := s.now().Unix()
	err := s.db.Model(&StoredEventRecord{}).
		Where("is_deleted = ? AND (expires_at IS NULL OR expires_at > ?)", false, now).
		Count(&count).Error
	return count, err
}

// CountByKind returns the number of live events of the given kind.
func (s *GormStore) CountByKind(kind int32) (int64, error) {
	var count int64
	now := s.now().Unix()
	err := s.db.Model(&StoredEventRecord{}).
		Where("kind = ? AND is_deleted = ? AND (expires_at IS NULL OR expires_at > ?)", kind, false, now).
		Count(&count).Error
	return count, err
}

// Query applies the union of filters to live events, ordering by
// created_at DESC with id ASC as tie-break, and applying each filter's
// limit (the smallest requested limit across the set, if any are set).
func (s *GormStore) Query(filters []*nostr.Filter) ([]*nostr.Event, error) {
	now := s.now().Unix()
	tx := s.db.Model(&StoredEventRecord{}).
		Where("is_deleted = ? AND (expires_at IS NULL OR expires_at > ?)", false, now).
		Order("created_at DESC, id ASC")

	// Only the kind filter is pushed down as a WHERE clause; ids, authors,
	// since/until and tag containment (Postgres jsonb operators vs. sqlite
	// json1) are matched in-application below together with the limit,
	// after ordering, to match nostr.Filter's in-memory semantics exactly.
	if kinds, ok := commonKinds(filters); ok {
		tx = tx.Where("kind IN ?", kinds)
	}
	pushAuthors := len(filters) > 0
	var authors []string
	for _, f := range filters {
		if len(f.Authors) == 0 {
			pushAuthors = false
			break
		}
		authors = append(authors, f.Authors...)
	}
	if pushAuthors {
		tx = tx.Where("pub_key IN ?", authors)
	}

	var recs []StoredEventRecord
	if err := tx.Find(&recs).Error; err != nil {
		return nil, err
	}

	limit, hasLimit := effectiveLimit(filters)
	events := make([]*nostr.Event, 0, len(recs))
	for i := range recs {
		e, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		if len(filters) > 0 && !nostr.MatchesAny(filters, e) {
			continue
		}
		events = append(events, e)
		if hasLimit && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// commonKinds returns the union of kinds requested across filters, if every
// filter specifies at least one kind; used only as a push-down optimization,
// never relied upon for correctness.
func commonKinds(filters []*nostr.Filter) ([]int32, bool) {
	if len(filters) == 0 {
		return nil, false
	}
	var kinds []int32
	for _, f := range filters {
		if len(f.Kinds) == 0 {
			return nil, false
		}
		kinds = append(kinds, f.Kinds...)
	}
	return kinds, true
}

// effectiveLimit returns the smallest explicit limit among filters, applied
// in-application after ordering and full filter matching.
func effectiveLimit(filters []*nostr.Filter) (int, bool) {
	best := -1
	for _, f := range filters {
		if f.Limit == nil {
			continue
		}
		if best == -1 || *f.Limit < best {
			best = *f.Limit
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}
