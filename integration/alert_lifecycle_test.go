package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fleetguard/internal/domain"
	"fleetguard/internal/ingest"
	"fleetguard/internal/lifecycle"
	"fleetguard/internal/notification"
)

var _ = Describe("Alert Lifecycle", func() {
	var s *stack

	BeforeEach(func() {
		s = startStack()
		DeferCleanup(s.stop)
	})

	admit := func(id, priority string) {
		status, _ := s.request(http.MethodPost, "/v1/events", event(id, "bus-7", "D1", "tamper", priority, t0))
		Expect(status).To(Equal(http.StatusAccepted))
		Eventually(func() *domain.Alert { return s.getAlert(id) }).ShouldNot(BeNil())
	}

	Context("When a critical alert is left unattended", func() {
		It("should be escalated once by the monitor and announced to subscribers", func() {
			stream := s.subscribe()
			admit("crit-1", "critical")

			s.clock.Set(t0.Add(9 * time.Minute))
			Expect(s.monitor.Tick(context.Background(), s.clock.Now())).To(Equal(0))

			s.clock.Set(t0.Add(11 * time.Minute))
			Expect(s.monitor.Tick(context.Background(), s.clock.Now())).To(Equal(1))
			Expect(s.monitor.Tick(context.Background(), s.clock.Now())).To(Equal(0), "a breach escalates once")

			alert := s.getAlert("crit-1")
			Expect(alert.Status).To(Equal(domain.StatusEscalated))
			Expect(alert.EscalationLevel).To(Equal(1))
			Expect(alert.EscalatedTo).To(Equal("safety-lead"))
			Expect(alert.History).To(HaveLen(1))
			Expect(alert.History[0].Actor).To(Equal(lifecycle.ActorEscalationMonitor))

			var escalated notification.Notification
			Eventually(stream).Should(Receive(&escalated, WithTransform(
				func(n notification.Notification) domain.Status { return n.ToStatus },
				Equal(domain.StatusEscalated),
			)))
			Expect(escalated.AlertID).To(Equal("crit-1"))
			Expect(escalated.EscalatedTo).To(Equal("safety-lead"))
		})
	})

	Context("When an operator works an alert to closure", func() {
		It("should record every step and accept only annotations afterwards", func() {
			admit("work-1", "high")

			steps := []struct {
				command string
				body    interface{}
				want    domain.Status
			}{
				{"acknowledge", map[string]string{"actor": "dispatcher"}, domain.StatusAcknowledged},
				{"investigate", map[string]string{"actor": "dispatcher"}, domain.StatusInvestigating},
				{"escalate", map[string]string{"actor": "dispatcher", "target": "night-shift"}, domain.StatusEscalated},
				{"de-escalate", map[string]string{"actor": "night-shift"}, domain.StatusInvestigating},
			}
			for i, step := range steps {
				s.clock.Set(t0.Add(time.Duration(i+2) * time.Minute))
				status, alert := s.command("work-1", step.command, step.body)
				Expect(status).To(Equal(http.StatusOK), step.command)
				Expect(alert.Status).To(Equal(step.want), step.command)
			}

			status, _ := s.command("work-1", "close", map[string]string{"notes": "too short"})
			Expect(status).To(Equal(http.StatusUnprocessableEntity))
			Expect(s.getAlert("work-1").Status).To(Equal(domain.StatusInvestigating))

			status, alert := s.command("work-1", "close", map[string]string{"actor": "lead", "notes": "Driver confirmed camera was bumped."})
			Expect(status).To(Equal(http.StatusOK))
			Expect(alert.Status).To(Equal(domain.StatusClosed))
			Expect(alert.EscalationLevel).To(Equal(1), "escalation level never decreases")
			Expect(alert.ClosedAt).NotTo(BeNil())

			status, _ = s.command("work-1", "acknowledge", nil)
			Expect(status).To(Equal(http.StatusConflict))

			status, alert = s.command("work-1", "annotations", map[string]string{"actor": "auditor", "text": "footage exported"})
			Expect(status).To(Equal(http.StatusOK))
			Expect(alert.Annotations).To(HaveLen(1))
			Expect(alert.History).To(HaveLen(5))
			Expect(domain.ValidateHistory(alert)).To(BeTrue())
		})
	})

	Context("When many alerts are acknowledged over HTTP", func() {
		It("should keep status queries and the escalation scan in step", func() {
			ids := []string{"ack-1", "ack-2", "ack-3", "ack-4"}
			for _, id := range ids {
				admit(id, "medium")
			}
			for _, id := range ids {
				status, _ := s.command(id, "acknowledge", map[string]string{"actor": "dispatcher-" + id})
				Expect(status).To(Equal(http.StatusOK))
			}
			for i := 0; i < 20; i++ {
				Expect(s.getAlert("missing-" + strings.Repeat("x", i+1))).To(BeNil())
			}

			listIDs := func(query string) []string {
				status, env := s.request(http.MethodGet, "/v1/alerts?"+query, nil)
				Expect(status).To(Equal(http.StatusOK))
				var alerts []domain.Alert
				Expect(json.Unmarshal(env.Data, &alerts)).To(Succeed())
				out := make([]string, len(alerts))
				for i, a := range alerts {
					out[i] = a.ID
				}
				return out
			}

			Expect(listIDs("status=acknowledged")).To(ConsistOf(ids))
			Expect(listIDs("status=new")).To(BeEmpty())
			Expect(s.service.CountByStatus()).To(Equal(map[domain.Status]int{domain.StatusAcknowledged: len(ids)}))
			Expect(s.service.OpenAlerts()).To(HaveLen(len(ids)))

			s.clock.Set(t0.Add(46 * time.Minute))
			Expect(s.monitor.Tick(context.Background(), s.clock.Now())).To(Equal(len(ids)))
			Expect(listIDs("status=escalated")).To(ConsistOf(ids))
			Expect(s.getAlert("ack-3").History[0].Actor).To(Equal("dispatcher-ack-3"))
		})
	})

	Context("When transitions are persisted", func() {
		It("should write the alert row and its history behind the store", func() {
			admit("p-1", "medium")
			_, _ = s.command("p-1", "acknowledge", nil)
			_, _ = s.command("p-1", "resolve", nil)

			ctx := context.Background()
			Expect(s.writer.Flush(ctx)).To(Succeed())

			stored, err := s.repo.Get(ctx, "p-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.StatusResolved))
			Expect(stored.History).To(HaveLen(2))
			Expect(stored.History[1].To).To(Equal(domain.StatusResolved))
		})

		It("should restore persisted alerts into a fresh store", func() {
			admit("r-1", "low")
			_, _ = s.command("r-1", "acknowledge", nil)
			Expect(s.writer.Flush(context.Background())).To(Succeed())

			restarted := startStack()
			DeferCleanup(restarted.stop)

			loaded, err := restarted.service.Restore(context.Background(), s.repo)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(1))
			Expect(restarted.getAlert("r-1").Status).To(Equal(domain.StatusAcknowledged))

			// A replay after restart does not reset lifecycle state.
			_, _ = restarted.request(http.MethodPost, "/v1/events", event("r-1", "bus-7", "D1", "tamper", "low", t0))
			Consistently(func() domain.Status { return restarted.getAlert("r-1").Status }, 200*time.Millisecond).
				Should(Equal(domain.StatusAcknowledged))
		})
	})

	Context("When events arrive over the push channel", func() {
		It("should admit them and survive a dropped connection", func() {
			upgrader := websocket.Upgrader{}
			conns := make(chan *websocket.Conn, 4)
			push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				conns <- conn
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}))
			DeferCleanup(push.Close)

			src := ingest.NewWebSocketSource("ws"+strings.TrimPrefix(push.URL, "http"), s.adapter, time.Second, s.logger)
			Expect(src.Start(context.Background())).To(Succeed())
			DeferCleanup(src.Stop)

			var first *websocket.Conn
			Eventually(conns).Should(Receive(&first))
			Expect(first.WriteMessage(websocket.TextMessage,
				[]byte(`{"alarmId":"ws-1","devIdno":"bus-4","alarmType":"geofence","alarmTime":"2026-03-01T08:00:00Z"}`))).To(Succeed())
			Eventually(func() *domain.Alert { return s.getAlert("ws-1") }).ShouldNot(BeNil())

			// The source redials after the minimum one second backoff.
			Expect(first.Close()).To(Succeed())
			var second *websocket.Conn
			Eventually(conns, 3*time.Second).Should(Receive(&second))
			Expect(second.WriteMessage(websocket.TextMessage,
				[]byte(`[{"alarmId":"ws-1","devIdno":"bus-4","alarmType":"geofence","alarmTime":"2026-03-01T08:00:00Z"},
				         {"alarmId":"ws-2","devIdno":"bus-4","alarmType":"geofence","alarmTime":"2026-03-01T08:01:00Z"}]`))).To(Succeed())
			Eventually(func() *domain.Alert { return s.getAlert("ws-2") }).ShouldNot(BeNil())
			Expect(s.getAlert("ws-1").History).To(BeEmpty())
		})
	})
})
