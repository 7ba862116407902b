package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/ledger/ledgertest"
	"github.com/ppiankov/guardian/internal/model"
)

const dsnEnv = "GUARDIAN_TEST_POSTGRES_DSN"

// openTestStore opens a store in a throwaway schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skip("set " + dsnEnv + " to run Postgres tests")
	}
	ctx := context.Background()
	schema := "guardian_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = conn.Close(ctx)
		t.Fatalf("create schema: %v", err)
	}
	_ = conn.Close(ctx)

	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), dsn)
		if err != nil {
			return
		}
		defer conn.Close(context.Background())
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	s, err := Open(ctx, dsn, Options{MaxConns: 4, Schema: schema})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	if os.Getenv(dsnEnv) == "" {
		t.Skip("set " + dsnEnv + " to run Postgres tests")
	}
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return openTestStore(t) })
}

func TestLedgerRowsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	h := ledgertest.Hasher(t)
	e := ledgertest.Entry(t, h, model.Red)
	if err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(context.Background(), e)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Pool().Exec(context.Background(), `UPDATE decision_ledger SET rationale='edited' WHERE event_id=$1`, e.EventID); err == nil {
		t.Fatal("expected update to be rejected")
	}
	if _, err := s.Pool().Exec(context.Background(), `DELETE FROM decision_ledger WHERE event_id=$1`, e.EventID); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind model.Kind
	}{
		{"deadline", context.DeadlineExceeded, model.KindTransientStore},
		{"serialization", &pgconn.PgError{Code: "40001"}, model.KindTransientStore},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, model.KindTransientStore},
		{"unique", &pgconn.PgError{Code: "23505"}, model.KindInternal},
		{"classified", model.ErrNotFound, model.KindNotFound},
		{"other", fmt.Errorf("boom"), model.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := model.KindOf(classify("op", tc.err)); got != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, got)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(errors.New("23505")) {
		t.Error("plain errors are not unique violations")
	}
}
