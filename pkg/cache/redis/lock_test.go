package redis_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
)

var _ = Describe("Locker", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		client    *rediscache.Client
		locker    *rediscache.Locker
		partition string
	)

	BeforeEach(func() {
		ctx = context.Background()
		partition = "ACC1_BOOK1_SEC1"

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		client = rediscache.NewClient(&goredis.Options{Addr: miniRedis.Addr()}, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		locker = rediscache.NewLocker(client, kubelog.NewLogger(kubelog.DevelopmentOptions()))
	})

	AfterEach(func() {
		_ = client.Close()
		miniRedis.Close()
	})

	Describe("Acquire", func() {
		It("should acquire an unheld lock and return a non-empty fencing value", func() {
			token, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(token).ToNot(BeNil())
			Expect(token.FencingValue).ToNot(BeEmpty())
		})

		It("should fail to acquire a lock already held by someone else, returning nil with no error", func() {
			first, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(first).ToNot(BeNil())

			second, err := locker.AcquireWithBackoff(ctx, partition, 5*time.Second, 120*time.Millisecond, 20*time.Millisecond, 1.5, 60*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(BeNil())
		})

		It("should issue distinct fencing values across acquisitions of different partitions", func() {
			t1, err := locker.Acquire(ctx, "A_B_C", 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			t2, err := locker.Acquire(ctx, "D_E_F", 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(t1.FencingValue).ToNot(Equal(t2.FencingValue))
		})

		It("should allow re-acquisition once the TTL expires", func() {
			miniRedis.FastForward(0)
			token, err := locker.Acquire(ctx, partition, 50*time.Millisecond, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(token).ToNot(BeNil())

			miniRedis.FastForward(100 * time.Millisecond)

			retry, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(retry).ToNot(BeNil())
		})
	})

	Describe("Release", func() {
		It("should release a lock the caller holds", func() {
			token, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())

			Expect(locker.Release(ctx, token)).To(Succeed())

			locked, err := locker.IsLocked(ctx, partition)
			Expect(err).ToNot(HaveOccurred())
			Expect(locked).To(BeFalse())
		})

		It("should reject release with a stale fencing value and leave the lock untouched", func() {
			token, err := locker.Acquire(ctx, partition, 500*time.Millisecond, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())

			// Simulate the lock expiring and being re-acquired by a new holder
			// while the original caller "stalls" past its TTL.
			miniRedis.FastForward(600 * time.Millisecond)
			newToken, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(newToken).ToNot(BeNil())

			// The stale holder's release must fail with ErrNotOwner and must
			// not delete the new holder's lock.
			err = locker.Release(ctx, token)
			Expect(err).To(MatchError(rediscache.ErrNotOwner))

			locked, err := locker.IsLocked(ctx, partition)
			Expect(err).ToNot(HaveOccurred())
			Expect(locked).To(BeTrue())
		})

		It("should be idempotent-safe: a second release on an already-released lock errors without panicking", func() {
			token, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())

			Expect(locker.Release(ctx, token)).To(Succeed())
			Expect(locker.Release(ctx, token)).To(MatchError(rediscache.ErrNotOwner))
		})
	})

	Describe("Extend", func() {
		It("should push out the TTL for the current holder", func() {
			token, err := locker.Acquire(ctx, partition, 200*time.Millisecond, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())

			_, err = locker.Extend(ctx, token, 2*time.Second)
			Expect(err).ToNot(HaveOccurred())

			miniRedis.FastForward(500 * time.Millisecond)

			locked, err := locker.IsLocked(ctx, partition)
			Expect(err).ToNot(HaveOccurred())
			Expect(locked).To(BeTrue())
		})

		It("should reject extend from a non-owner fencing value", func() {
			token, err := locker.Acquire(ctx, partition, 5*time.Second, 1*time.Second)
			Expect(err).ToNot(HaveOccurred())

			forged := &rediscache.LockToken{Key: partition, FencingValue: "not-the-real-value"}
			_, err = locker.Extend(ctx, forged, time.Second)
			Expect(err).To(MatchError(rediscache.ErrNotOwner))

			// Real owner's lock must be unaffected.
			locked, err := locker.IsLocked(ctx, partition)
			Expect(err).ToNot(HaveOccurred())
			Expect(locked).To(BeTrue())
			_ = token
		})
	})
})
