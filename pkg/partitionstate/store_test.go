package partitionstate_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/partitionstate"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

func TestPartitionState(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Partition State Store Suite")
}

var _ = Describe("Store", func() {
	var (
		mockDB  *sql.DB
		sqlMock sqlmock.Sqlmock
		store   *partitionstate.Store
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, sqlMock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())

		sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
		store = partitionstate.NewStore(sqlxDB, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(sqlMock.ExpectationsWereMet()).To(Succeed())
		_ = mockDB.Close()
	})

	Describe("GetOrInit", func() {
		It("should return the existing row without inserting", func() {
			rows := sqlmock.NewRows([]string{
				"partition_key", "last_sequence_number", "position_state", "version", "updated_at", "archive_flag",
			}).AddRow("A_B_C", int64(3), trade.StateFormed, int64(2), time.Now(), false)
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("A_B_C").WillReturnRows(rows)

			st, err := store.GetOrInit(ctx, "A_B_C")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.LastSequenceNumber).To(Equal(int64(3)))
			Expect(st.PositionState).To(Equal(trade.StateFormed))
		})

		It("should initialize a new row in EXECUTED state when none exists", func() {
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("NEW_KEY").WillReturnError(sql.ErrNoRows)
			sqlMock.ExpectExec(`INSERT INTO partition_state`).
				WillReturnResult(sqlmock.NewResult(1, 1))
			rows := sqlmock.NewRows([]string{
				"partition_key", "last_sequence_number", "position_state", "version", "updated_at", "archive_flag",
			}).AddRow("NEW_KEY", int64(0), trade.StateExecuted, int64(1), time.Now(), false)
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("NEW_KEY").WillReturnRows(rows)

			st, err := store.GetOrInit(ctx, "NEW_KEY")
			Expect(err).ToNot(HaveOccurred())
			Expect(st.PositionState).To(Equal(trade.StateExecuted))
			Expect(st.LastSequenceNumber).To(Equal(int64(0)))
		})
	})

	Describe("Update", func() {
		It("should reject an illegal state transition", func() {
			rows := sqlmock.NewRows([]string{
				"partition_key", "last_sequence_number", "position_state", "version", "updated_at", "archive_flag",
			}).AddRow("A_B_C", int64(1), trade.StateSettled, int64(1), time.Now(), false)
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("A_B_C").WillReturnRows(rows)

			_, err := store.Update(ctx, "A_B_C", 1, func(cur *partitionstate.State) (*partitionstate.State, error) {
				return &partitionstate.State{PartitionKey: cur.PartitionKey, LastSequenceNumber: cur.LastSequenceNumber, PositionState: trade.StateExecuted}, nil
			})
			Expect(err).To(HaveOccurred())
		})

		It("should return a version conflict when expectedVersion is stale", func() {
			rows := sqlmock.NewRows([]string{
				"partition_key", "last_sequence_number", "position_state", "version", "updated_at", "archive_flag",
			}).AddRow("A_B_C", int64(1), trade.StateExecuted, int64(5), time.Now(), false)
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("A_B_C").WillReturnRows(rows)

			_, err := store.Update(ctx, "A_B_C", 1, func(cur *partitionstate.State) (*partitionstate.State, error) {
				return cur, nil
			})
			Expect(err).To(MatchError(partitionstate.ErrVersionConflict))
		})
	})

	Describe("AdvanceSequence", func() {
		It("should reject a sequence number that is not lastSequenceNumber+1", func() {
			rows := sqlmock.NewRows([]string{
				"partition_key", "last_sequence_number", "position_state", "version", "updated_at", "archive_flag",
			}).AddRow("A_B_C", int64(1), trade.StateExecuted, int64(1), time.Now(), false)
			sqlMock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at, archive_flag`).
				WithArgs("A_B_C").WillReturnRows(rows)

			_, err := store.AdvanceSequence(ctx, "A_B_C", 1, 3, trade.StateFormed)
			Expect(err).To(MatchError(partitionstate.ErrSequenceNotNext))
		})
	})
})
