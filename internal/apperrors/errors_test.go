package apperrors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAppErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Structured Errors Suite")
}

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("should create error with correct properties", func() {
			err := New(KindValidation, "test message")

			Expect(err.Kind).To(Equal(KindValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("should implement the error interface correctly", func() {
			err := New(KindValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("should include details in the error string when present", func() {
			err := New(KindValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("error wrapping", func() {
		It("should wrap an underlying error", func() {
			cause := errors.New("connection refused")
			wrapped := Wrap(cause, KindDatabase, "operation failed")

			Expect(wrapped.Kind).To(Equal(KindDatabase))
			Expect(wrapped.Cause).To(Equal(cause))
			Expect(wrapped.Unwrap()).To(Equal(cause))
		})

		It("should format wrapped errors with arguments", func() {
			cause := errors.New("timeout")
			wrapped := Wrapf(cause, KindNetwork, "failed to reach %s:%d", "redis", 6379)
			Expect(wrapped.Message).To(Equal("failed to reach redis:6379"))
		})
	})

	Context("HTTP status code mapping", func() {
		It("should map each kind to the correct status code", func() {
			cases := []struct {
				kind   Kind
				status int
			}{
				{KindValidation, http.StatusBadRequest},
				{KindDuplicate, http.StatusConflict},
				{KindNotFound, http.StatusNotFound},
				{KindRateLimited, http.StatusTooManyRequests},
				{KindUnavailable, http.StatusServiceUnavailable},
				{KindDatabase, http.StatusInternalServerError},
				{KindTimeout, http.StatusRequestTimeout},
			}
			for _, tc := range cases {
				err := New(tc.kind, "x")
				Expect(err.StatusCode).To(Equal(tc.status), "kind=%s", tc.kind)
			}
		})
	})

	Context("retry classification", func() {
		It("should mark transient kinds as retryable", func() {
			Expect(New(KindLockFailed, "x").Retryable()).To(BeTrue())
			Expect(New(KindSequenceGap, "x").Retryable()).To(BeTrue())
			Expect(New(KindUnavailable, "x").Retryable()).To(BeTrue())
		})

		It("should mark permanent kinds as not retryable", func() {
			Expect(New(KindValidation, "x").Retryable()).To(BeFalse())
			Expect(New(KindInvalidState, "x").Retryable()).To(BeFalse())
			Expect(New(KindDuplicate, "x").Retryable()).To(BeFalse())
		})
	})

	Context("predefined constructors", func() {
		It("should create a duplicate error referencing the trade id", func() {
			err := NewDuplicateError("T1")
			Expect(err.Kind).To(Equal(KindDuplicate))
			Expect(err.Message).To(ContainSubstring("T1"))
		})

		It("should create a lock acquisition error referencing the partition", func() {
			err := NewLockAcquisitionError("A_B_C")
			Expect(err.Kind).To(Equal(KindLockFailed))
			Expect(err.Message).To(ContainSubstring("A_B_C"))
		})

		It("should create an invalid state transition error", func() {
			err := NewInvalidStateTransition("SETTLED", "EXECUTED")
			Expect(err.Kind).To(Equal(KindInvalidState))
			Expect(err.Message).To(ContainSubstring("SETTLED"))
			Expect(err.Message).To(ContainSubstring("EXECUTED"))
		})
	})

	Describe("IsRetryable", func() {
		It("should defer to the AppError classification", func() {
			Expect(IsRetryable(New(KindUnavailable, "x"))).To(BeTrue())
			Expect(IsRetryable(New(KindValidation, "x"))).To(BeFalse())
		})

		It("should treat unclassified non-nil errors as retryable", func() {
			Expect(IsRetryable(errors.New("boom"))).To(BeTrue())
		})

		It("should treat nil as not retryable", func() {
			Expect(IsRetryable(nil)).To(BeFalse())
		})
	})
})
