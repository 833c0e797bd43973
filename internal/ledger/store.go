// Package ledger owns every transaction that touches orders, payment
// transactions, licenses and waitlist entries. Row locks are only taken
// through Store and OrderTx, which fixes the lock order to
// Order -> Transaction / WaitlistEntry -> License.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keystock-backend/pkg/db"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
)

const defaultMaxAttempts = 3

type Store struct {
	db          *gorm.DB
	now         func() time.Time
	maxAttempts int
}

type Option func(*Store)

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds how often a transaction is retried after a
// serialization failure or deadlock.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewStore(conn *gorm.DB, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("db required")
	}
	s := &Store{db: conn, now: time.Now, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the non-transactional handle for unlocked reads.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// WithTx runs fn in a transaction of the given class. fn may run more than
// once when the database aborts it with a serialization failure.
func (s *Store) WithTx(ctx context.Context, class Class, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = db.RunInTx(ctx, s.db, class.TxOptions(), fn)
		if err == nil || !db.IsSerializationFailure(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%s transaction aborted after %d attempts: %w", class, s.maxAttempts, err)
}

// WithLockedOrder locks the order row and hands fn an OrderTx through which
// the order's dependent rows can be locked.
func (s *Store) WithLockedOrder(ctx context.Context, class Class, orderID uuid.UUID, fn func(otx *OrderTx) error) error {
	return s.WithTx(ctx, class, func(tx *gorm.DB) error {
		var order models.Order
		err := forUpdate(tx.WithContext(ctx)).Where("id = ?", orderID).Take(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return fmt.Errorf("lock order %s: %w", orderID, err)
		}
		return fn(&OrderTx{tx: tx, order: &order, now: s.Now})
	})
}

// WithLockedLicense locks a single license for admin operations that never
// touch its order.
func (s *Store) WithLockedLicense(ctx context.Context, class Class, licenseID uuid.UUID, fn func(tx *gorm.DB, license *models.License) error) error {
	return s.WithTx(ctx, class, func(tx *gorm.DB) error {
		var license models.License
		err := forUpdate(tx.WithContext(ctx)).Where("id = ?", licenseID).Take(&license).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Newf(pkgerrors.CodeNotFound, "license %s not found", licenseID)
		}
		if err != nil {
			return fmt.Errorf("lock license %s: %w", licenseID, err)
		}
		return fn(tx, &license)
	})
}

// FindTransactionByRef reads a transaction without locking it. ref matches
// either the gateway reference or the provider payment id.
func (s *Store) FindTransactionByRef(ctx context.Context, gateway string, ref string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).
		Where("gateway = ? AND (gateway_ref = ? OR provider_payment_id = ?)", gateway, ref, ref).
		Order("created_at ASC").
		Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetOrder reads an order and its transactions without locking.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Transactions", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC") }).
		Where("id = ?", orderID).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func forUpdate(q *gorm.DB) *gorm.DB {
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}

func forUpdateSkipLocked(q *gorm.DB) *gorm.DB {
	return q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
