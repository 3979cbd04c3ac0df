package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
)

func TestLockWaitDurationObserves(t *testing.T) {
	var before dto.Metric
	assert.NoError(t, LockWaitDuration.Write(&before))

	LockWaitDuration.Observe(0.05)

	var after dto.Metric
	assert.NoError(t, LockWaitDuration.Write(&after))
	assert.Equal(t, before.GetHistogram().GetSampleCount()+1, after.GetHistogram().GetSampleCount())
}

func TestRecordStage(t *testing.T) {
	initial := testutil.ToFloat64(StageErrorsTotal.WithLabelValues("enrich", "VALIDATION_ERROR"))

	RecordStage("enrich", 0.25, apperrors.New(apperrors.KindValidation, "bad payload"))

	final := testutil.ToFloat64(StageErrorsTotal.WithLabelValues("enrich", "VALIDATION_ERROR"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordStageNoErrorDoesNotIncrementErrors(t *testing.T) {
	initial := testutil.ToFloat64(StageErrorsTotal.WithLabelValues("persist", "unknown"))

	RecordStage("persist", 0.05, nil)

	final := testutil.ToFloat64(StageErrorsTotal.WithLabelValues("persist", "unknown"))
	assert.Equal(t, initial, final)
}

func TestRecordIdempotencyCheck(t *testing.T) {
	initial := testutil.ToFloat64(IdempotencyChecksTotal.WithLabelValues("hit"))

	RecordIdempotencyCheck("hit")

	final := testutil.ToFloat64(IdempotencyChecksTotal.WithLabelValues("hit"))
	assert.Equal(t, initial+1.0, final)
}

func TestSetSequenceBufferDepth(t *testing.T) {
	SetSequenceBufferDepth("ACC_BOOK_SEC", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(SequenceBufferDepth.WithLabelValues("ACC_BOOK_SEC")))

	SetSequenceBufferDepth("ACC_BOOK_SEC", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(SequenceBufferDepth.WithLabelValues("ACC_BOOK_SEC")))
}

func TestRecordSequenceGap(t *testing.T) {
	initial := testutil.ToFloat64(SequenceGapReleasedTotal.WithLabelValues("released"))

	RecordSequenceGap("released")

	final := testutil.ToFloat64(SequenceGapReleasedTotal.WithLabelValues("released"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordWebhookDelivery(t *testing.T) {
	initial := testutil.ToFloat64(WebhookDeliveriesTotal.WithLabelValues("exhausted"))

	RecordWebhookDelivery("exhausted")

	final := testutil.ToFloat64(WebhookDeliveriesTotal.WithLabelValues("exhausted"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordDeadLetter(t *testing.T) {
	initial := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("deep_validate"))

	RecordDeadLetter("deep_validate")

	final := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("deep_validate"))
	assert.Equal(t, initial+1.0, final)
}
