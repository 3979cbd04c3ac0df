package idempotency_test

import (
	"context"
	"database/sql"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
)

var _ = Describe("Repository", func() {
	var (
		mockDB  *sql.DB
		sqlMock sqlmock.Sqlmock
		repo    *idempotency.Repository
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, sqlMock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
		repo = idempotency.NewRepository(sqlxDB, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(sqlMock.ExpectationsWereMet()).To(Succeed())
		_ = mockDB.Close()
	})

	Describe("Insert", func() {
		It("should translate a unique_violation into ErrDuplicate", func() {
			now := time.Now().UTC()
			sqlMock.ExpectExec(`INSERT INTO idempotency_record`).
				WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

			err := repo.Insert(ctx, &idempotency.Record{
				IdempotencyKey: "T1", TradeID: "T1", PartitionKey: "A_B_C",
				CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			})
			Expect(err).To(MatchError(idempotency.ErrDuplicate))
		})
	})

	Describe("MarkCompleted", func() {
		It("should return ErrNotFound when no row matches", func() {
			sqlMock.ExpectExec(`UPDATE idempotency_record`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.MarkCompleted(ctx, "MISSING", "BLOTTER-X")
			Expect(err).To(MatchError(idempotency.ErrNotFound))
		})
	})

	Describe("ArchiveExpired", func() {
		It("should report the count of newly archived rows", func() {
			sqlMock.ExpectExec(`UPDATE idempotency_record SET archive_flag = true`).
				WillReturnResult(sqlmock.NewResult(0, 3))

			n, err := repo.ArchiveExpired(ctx, time.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
		})
	})
})
