// Package dbtest opens throwaway sqlite databases with the full schema for
// package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// Open returns an isolated in-memory database with every model migrated.
// The pool is pinned to one connection so concurrent callers serialize on
// it the way row locks would serialize them on Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return conn
}

// SeedOrder inserts an order for productRef in the given status.
func SeedOrder(t testing.TB, conn *gorm.DB, productRef string, status enums.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		CustomerRef:   "cust-" + uuid.NewString()[:8],
		CustomerEmail: "buyer@example.com",
		ProductRef:    productRef,
		Quantity:      1,
		UnitPrice:     decimal.RequireFromString("19.99"),
		TotalAmount:   decimal.RequireFromString("19.99"),
		Currency:      "USD",
		Status:        status,
	}
	if err := conn.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// SeedTransaction inserts a transaction on order.
func SeedTransaction(t testing.TB, conn *gorm.DB, order *models.Order, gateway enums.Gateway, gatewayRef string, status enums.TransactionStatus) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		OrderID:    order.ID,
		Gateway:    gateway,
		GatewayRef: gatewayRef,
		Amount:     order.TotalAmount,
		Currency:   order.Currency,
		Status:     status,
	}
	if err := conn.Create(txn).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return txn
}

// SeedLicenses inserts n AVAILABLE licenses for productRef.
func SeedLicenses(t testing.TB, conn *gorm.DB, productRef string, n int) []models.License {
	t.Helper()
	out := make([]models.License, 0, n)
	for i := 0; i < n; i++ {
		license := models.License{
			ProductRef: productRef,
			SecretKey:  fmt.Sprintf("%s-KEY-%s", strings.ToUpper(productRef), uuid.NewString()),
			Status:     enums.LicenseStatusAvailable,
		}
		if err := conn.Create(&license).Error; err != nil {
			t.Fatalf("seed license: %v", err)
		}
		out = append(out, license)
	}
	return out
}

// Reload reads the current row for a model with a uuid or int primary key.
func Reload[T any](t testing.TB, conn *gorm.DB, id any) *T {
	t.Helper()
	var out T
	if err := conn.Where("id = ?", id).Take(&out).Error; err != nil {
		t.Fatalf("reload %T %v: %v", out, id, err)
	}
	return &out
}
