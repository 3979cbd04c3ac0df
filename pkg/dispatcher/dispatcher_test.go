package dispatcher_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/dispatcher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

func TestDispatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Partition Dispatcher Suite")
}

var _ = Describe("Dispatcher", func() {
	It("processes every item across partitions and preserves per-partition submission order", func() {
		const partitions = 10
		const perPartition = 100

		var mu sync.Mutex
		seen := make(map[string][]int)
		var completed int

		handler := func(ctx context.Context, item dispatcher.WorkItem) error {
			mu.Lock()
			defer mu.Unlock()
			seq := 0
			_, _ = fmt.Sscanf(item.JobID, "seq-%d", &seq)
			seen[item.PartitionKey] = append(seen[item.PartitionKey], seq)
			completed++
			return nil
		}

		d := dispatcher.New(20, handler, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		d.Start(context.Background())

		for p := 0; p < partitions; p++ {
			partitionKey := fmt.Sprintf("ACC%d_BOOK_SEC", p)
			for s := 0; s < perPartition; s++ {
				err := d.Submit(dispatcher.WorkItem{
					PartitionKey: partitionKey,
					JobID:        fmt.Sprintf("seq-%d", s),
					Request:      &trade.TradeRequest{TradeID: fmt.Sprintf("%s-%d", partitionKey, s)},
				})
				Expect(err).ToNot(HaveOccurred())
			}
		}

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return completed
		}, 5*time.Second, 10*time.Millisecond).Should(Equal(partitions * perPartition))

		d.Stop()

		mu.Lock()
		defer mu.Unlock()
		for p := 0; p < partitions; p++ {
			partitionKey := fmt.Sprintf("ACC%d_BOOK_SEC", p)
			order := seen[partitionKey]
			Expect(order).To(HaveLen(perPartition))
			for i, v := range order {
				Expect(v).To(Equal(i), "partition %s must commit in submission order", partitionKey)
			}
		}
	})

	It("never runs two items from the same partition concurrently", func() {
		const partitionKey = "A_B_C"
		var mu sync.Mutex
		running := false
		violated := false

		handler := func(ctx context.Context, item dispatcher.WorkItem) error {
			mu.Lock()
			if running {
				violated = true
			}
			running = true
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			running = false
			mu.Unlock()
			return nil
		}

		d := dispatcher.New(8, handler, kubelog.NewLogger(kubelog.DevelopmentOptions()))
		d.Start(context.Background())
		for i := 0; i < 50; i++ {
			Expect(d.Submit(dispatcher.WorkItem{PartitionKey: partitionKey, JobID: fmt.Sprintf("%d", i)})).To(Succeed())
		}
		d.Stop()

		Expect(violated).To(BeFalse())
	})

	It("does not starve a low-traffic partition behind a high-traffic one (no-starvation)", func() {
		var mu sync.Mutex
		order := []string{}

		handler := func(ctx context.Context, item dispatcher.WorkItem) error {
			mu.Lock()
			order = append(order, item.PartitionKey)
			mu.Unlock()
			return nil
		}

		d := dispatcher.New(1, handler, kubelog.NewLogger(kubelog.DevelopmentOptions()))

		// Enqueue before starting the worker pool so the round-robin order
		// is deterministic: BUSY claims the first slot, QUIET the second,
		// and the rest of BUSY's backlog queues behind its own key.
		Expect(d.Submit(dispatcher.WorkItem{PartitionKey: "BUSY", JobID: "0"})).To(Succeed())
		Expect(d.Submit(dispatcher.WorkItem{PartitionKey: "QUIET", JobID: "0"})).To(Succeed())
		for i := 1; i < 20; i++ {
			Expect(d.Submit(dispatcher.WorkItem{PartitionKey: "BUSY", JobID: fmt.Sprintf("%d", i)})).To(Succeed())
		}

		d.Start(context.Background())
		d.Stop()

		mu.Lock()
		defer mu.Unlock()
		idx := -1
		for i, k := range order {
			if k == "QUIET" {
				idx = i
				break
			}
		}
		Expect(idx).To(BeNumerically(">=", 0))
		Expect(idx).To(BeNumerically("<", 3), "QUIET must be scheduled within the first few round-robin turns, not after all of BUSY drains")
	})
})
