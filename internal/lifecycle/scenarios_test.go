package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fleetguard/internal/domain"
	"fleetguard/internal/notification"
)

var _ = Describe("Alert lifecycle scenarios", func() {
	var (
		f   *fixture
		ctx context.Context
	)

	BeforeEach(func() {
		f = testSetup()
		ctx = context.Background()
	})

	Context("when a critical alert is left unattended", func() {
		It("escalates once after ten minutes and not again on the next tick", func() {
			_, created, err := f.service.Admit(ctx, testEvent("crit-1", domain.PriorityCritical))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			alert, escalated, err := f.service.EscalateForBreach(ctx, "crit-1", t0.Add(11*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(escalated).To(BeTrue())
			Expect(alert.Status).To(Equal(domain.StatusEscalated))
			Expect(alert.EscalationLevel).To(Equal(1))

			alert, escalated, err = f.service.EscalateForBreach(ctx, "crit-1", t0.Add(12*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(escalated).To(BeFalse())
			Expect(alert.EscalationLevel).To(Equal(1))

			transitions := f.publisher.ofKind(notification.KindTransition)
			Expect(transitions).To(HaveLen(1))
			Expect(transitions[0].ToStatus).To(Equal(domain.StatusEscalated))
			Expect(transitions[0].EscalatedTo).To(Equal("fleet-supervisor"))
		})
	})

	Context("when a driver accumulates speeding events", func() {
		speeding := func(id string, offset time.Duration) domain.AlertEvent {
			e := testEvent(id, domain.PriorityMedium)
			e.AlertType = domain.AlertTypeSpeeding
			e.Timestamp = t0.Add(offset)
			return e
		}

		It("requests exactly one report for the first three", func() {
			for i, id := range []string{"e1", "e2", "e3"} {
				_, _, err := f.service.Admit(ctx, speeding(id, time.Duration(i)*24*time.Hour))
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(f.reports.requests).To(HaveLen(1))
			req := f.reports.requests[0]
			Expect(req.DriverID).To(Equal("D1"))
			Expect(req.EventIDs()).To(Equal([]string{"e1", "e2", "e3"}))

			By("admitting a fourth event for the same driver")
			_, _, err := f.service.Admit(ctx, speeding("e4", 72*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(f.reports.requests).To(HaveLen(1))
		})

		It("does not count replays of the same event", func() {
			for i := 0; i < 5; i++ {
				_, _, err := f.service.Admit(ctx, speeding("e1", 0))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(f.reports.requests).To(BeEmpty())
			Expect(f.service.ViolationCount("D1").Pending).To(Equal(1))
		})
	})

	Context("when the same event is ingested concurrently", func() {
		It("creates exactly one alert with no history", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			createdCount := 0
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, created, err := f.service.Admit(ctx, testEvent("dup-1", domain.PriorityHigh))
					Expect(err).NotTo(HaveOccurred())
					if created {
						mu.Lock()
						createdCount++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(createdCount).To(Equal(1))
			Expect(f.store.Len()).To(Equal(1))
			alert, err := f.service.Get(ctx, "dup-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(alert.History).To(BeEmpty())
		})
	})

	Context("when closing without sufficient notes", func() {
		It("fails with a validation error and leaves the status unchanged", func() {
			_, _, _ = f.service.Admit(ctx, testEvent("c-1", domain.PriorityLow))
			_, _ = f.service.Acknowledge(ctx, "c-1", "op")

			_, err := f.service.Close(ctx, "c-1", "op", "short")
			Expect(err).To(MatchError(domain.ErrValidation))

			alert, _ := f.service.Get(ctx, "c-1")
			Expect(alert.Status).To(Equal(domain.StatusAcknowledged))
			Expect(alert.History).To(HaveLen(1))
		})
	})

	Context("when commands are applied in arbitrary order", func() {
		It("only ever records legal transitions", func() {
			rng := rand.New(rand.NewSource(42))
			commands := []func(id string) error{
				func(id string) error { _, err := f.service.Acknowledge(ctx, id, "op"); return err },
				func(id string) error { _, err := f.service.Investigate(ctx, id, "op"); return err },
				func(id string) error { _, err := f.service.Escalate(ctx, id, "op", "lead"); return err },
				func(id string) error { _, err := f.service.DeEscalate(ctx, id, "op"); return err },
				func(id string) error { _, err := f.service.Resolve(ctx, id, "op"); return err },
				func(id string) error { _, err := f.service.Close(ctx, id, "op", "closing after review"); return err },
				func(id string) error {
					_, _, err := f.service.EscalateForBreach(ctx, id, f.clock.Now())
					return err
				},
			}

			for a := 0; a < 20; a++ {
				id := fmt.Sprintf("alert-%d", a)
				priorities := domain.Priorities
				_, _, err := f.service.Admit(ctx, testEvent(id, priorities[a%len(priorities)]))
				Expect(err).NotTo(HaveOccurred())

				level := 0
				for step := 0; step < 15; step++ {
					f.clock.Set(t0.Add(time.Duration(a*15+step) * 7 * time.Minute))
					_ = commands[rng.Intn(len(commands))](id)

					alert, err := f.service.Get(ctx, id)
					Expect(err).NotTo(HaveOccurred())
					Expect(alert.EscalationLevel).To(BeNumerically(">=", level))
					level = alert.EscalationLevel
				}

				alert, _ := f.service.Get(ctx, id)
				Expect(domain.ValidateHistory(alert)).To(BeTrue(), "history of %s: %+v", id, alert.History)
			}
		})
	})
})
