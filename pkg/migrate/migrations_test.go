package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/keystock-backend/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks ...string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLicenseMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_licenses"),
		"CREATE TABLE IF NOT EXISTS licenses",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_secret_key ON licenses (secret_key)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_order_held ON licenses (order_id) WHERE status IN ('RESERVED', 'SOLD')",
		"FOREIGN KEY (order_id) REFERENCES orders(id)",
		"DROP TABLE IF EXISTS licenses",
	)
}

func TestTransactionMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_orders_and_transactions"),
		"CREATE TABLE IF NOT EXISTS orders",
		"CREATE TABLE IF NOT EXISTS transactions",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_gateway_ref ON transactions (gateway, gateway_ref)",
		"provider_payment_id text",
		"CHECK (quantity = 1)",
		"DROP TABLE IF EXISTS transactions",
	)
}

func TestWaitlistMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_waitlist_entries"),
		"id bigserial PRIMARY KEY",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_waitlist_entries_order_id ON waitlist_entries (order_id)",
		"ON waitlist_entries (product_ref, status, priority, id)",
	)
}

func TestWebhookEventMigrationContainsIdempotencyKeys(t *testing.T) {
	assertContains(t, readMigration(t, "create_webhook_events"),
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_webhook_events_provider_external_ref ON webhook_events (provider, external_ref)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_webhook_events_global_event ON webhook_events (global_event_id, provider)",
		"next_attempt_at timestamptz",
	)
}

func TestEnumMigrationMatchesStatuses(t *testing.T) {
	assertContains(t, readMigration(t, "create_enums"),
		"CREATE TYPE order_status AS ENUM ('PENDING', 'IN_PROCESS', 'SHIPPED', 'DELIVERED', 'COMPLETED', 'CANCELED')",
		"CREATE TYPE license_status AS ENUM ('AVAILABLE', 'RESERVED', 'SOLD', 'ANNULLED', 'RETURNED')",
		"'license_delivery_requested'",
	)
}
