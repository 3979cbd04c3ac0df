package deadletter_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/deadletter"
)

func TestDeadLetter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dead Letter Store Suite")
}

var _ = Describe("Store", func() {
	var (
		mockDB  *sql.DB
		sqlMock sqlmock.Sqlmock
		store   *deadletter.Store
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, sqlMock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
		store = deadletter.NewStore(sqlxDB, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(sqlMock.ExpectationsWereMet()).To(Succeed())
		_ = mockDB.Close()
	})

	It("should insert a dead-letter record", func() {
		sqlMock.ExpectExec(`INSERT INTO dead_letter`).WillReturnResult(sqlmock.NewResult(1, 1))
		err := store.Record(ctx, "T1", "A_B_C", "deep_validate", "isin invalid", json.RawMessage(`{}`))
		Expect(err).ToNot(HaveOccurred())
	})

	It("should mark an entry replayed", func() {
		sqlMock.ExpectExec(`UPDATE dead_letter SET replayed_at`).WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(store.MarkReplayed(ctx, 1)).To(Succeed())
	})
})
