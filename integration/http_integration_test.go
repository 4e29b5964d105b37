package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fleetguard/internal/api"
	"fleetguard/internal/domain"
	"fleetguard/internal/flood"
	"fleetguard/internal/report"
)

var _ = Describe("HTTP Integration Tests", func() {
	var s *stack

	BeforeEach(func() {
		s = startStack()
		DeferCleanup(s.stop)
	})

	Context("Health Check", func() {
		It("should return healthy status", func() {
			status, env := s.request(http.MethodGet, "/healthz", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(env.Success).To(BeTrue())
		})
	})

	Context("Event Ingestion", func() {
		It("should accept a single event and admit it asynchronously", func() {
			status, env := s.request(http.MethodPost, "/v1/events",
				event("evt-1", "bus-7", "", "Tamper", "high", t0))
			Expect(status).To(Equal(http.StatusAccepted))
			Expect(env.Success).To(BeTrue())

			Eventually(func() *domain.Alert { return s.getAlert("evt-1") }).ShouldNot(BeNil())

			alert := s.getAlert("evt-1")
			Expect(alert.Status).To(Equal(domain.StatusNew))
			Expect(alert.AlertType).To(Equal(domain.AlertTypeTamper))
			Expect(alert.DriverID).To(Equal("bus-7"), "driver falls back to the device")
			Expect(alert.History).To(BeEmpty())
		})

		It("should accept arrays using the telemetry server field names", func() {
			body := `[
				{"alarmId":"a1","devIdno":"bus-1","alarmType":"fatigue","alarmTime":1772352000},
				{"guid":"a2","vehicleId":"bus-2","type":"geofence","time":"1772352000123"}
			]`
			status, _ := s.request(http.MethodPost, "/v1/events", body)
			Expect(status).To(Equal(http.StatusAccepted))

			Eventually(func() *domain.Alert { return s.getAlert("a2") }).ShouldNot(BeNil())
			Expect(s.getAlert("a1")).NotTo(BeNil())
			Expect(s.getAlert("a1").Priority).To(Equal(domain.PriorityMedium))
		})

		It("should reject malformed events with 400", func() {
			status, env := s.request(http.MethodPost, "/v1/events", `{"id":"bad","deviceId":"bus-7","alertType":"speeding","timestamp":"yesterday"}`)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Error.Code).To(Equal(api.ErrCodeMalformedEvent))

			Consistently(func() *domain.Alert { return s.getAlert("bad") }, 200*time.Millisecond).Should(BeNil())
		})

		It("should admit a replayed event only once", func() {
			payload := event("dup-1", "bus-7", "", "tamper", "low", t0)
			for i := 0; i < 3; i++ {
				status, _ := s.request(http.MethodPost, "/v1/events", payload)
				Expect(status).To(Equal(http.StatusAccepted))
			}

			Eventually(func() *domain.Alert { return s.getAlert("dup-1") }).ShouldNot(BeNil())
			Consistently(func() int {
				_, env := s.request(http.MethodGet, "/v1/alerts?device=bus-7", nil)
				var alerts []domain.Alert
				Expect(json.Unmarshal(env.Data, &alerts)).To(Succeed())
				return len(alerts)
			}, 200*time.Millisecond).Should(Equal(1))
		})
	})

	Context("Alert Queries", func() {
		BeforeEach(func() {
			for i, p := range []string{"critical", "high", "low"} {
				_, _ = s.request(http.MethodPost, "/v1/events",
					event(fmt.Sprintf("q-%d", i), fmt.Sprintf("bus-%d", i), "", "tamper", p, t0.Add(time.Duration(i)*time.Second)))
			}
			Eventually(func() *domain.Alert { return s.getAlert("q-2") }).ShouldNot(BeNil())
		})

		It("should list alerts newest event first", func() {
			status, env := s.request(http.MethodGet, "/v1/alerts", nil)
			Expect(status).To(Equal(http.StatusOK))

			var alerts []domain.Alert
			Expect(json.Unmarshal(env.Data, &alerts)).To(Succeed())
			Expect(alerts).To(HaveLen(3))
			Expect(alerts[0].ID).To(Equal("q-2"))
			Expect(alerts[2].ID).To(Equal("q-0"))
		})

		It("should filter by priority and paginate", func() {
			_, env := s.request(http.MethodGet, "/v1/alerts?priority=critical", nil)
			var alerts []domain.Alert
			Expect(json.Unmarshal(env.Data, &alerts)).To(Succeed())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].ID).To(Equal("q-0"))

			_, env = s.request(http.MethodGet, "/v1/alerts?limit=1&offset=1", nil)
			Expect(json.Unmarshal(env.Data, &alerts)).To(Succeed())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].ID).To(Equal("q-1"))
		})

		It("should return 404 for unknown alerts", func() {
			status, env := s.request(http.MethodGet, "/v1/alerts/nope", nil)
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(env.Error.Code).To(Equal(api.ErrCodeNotFound))
		})
	})

	Context("Flood Status", func() {
		It("should report a flood once the threshold is crossed", func() {
			_, env := s.request(http.MethodGet, "/v1/flood", nil)
			var st flood.Status
			Expect(json.Unmarshal(env.Data, &st)).To(Succeed())
			Expect(st.Active).To(BeFalse())

			for i := 0; i < floodThreshold; i++ {
				_, _ = s.request(http.MethodPost, "/v1/events",
					event(fmt.Sprintf("f-%d", i), "bus-9", "", "harsh braking", "", t0))
			}

			Eventually(func() bool {
				_, env := s.request(http.MethodGet, "/v1/flood", nil)
				var st flood.Status
				Expect(json.Unmarshal(env.Data, &st)).To(Succeed())
				return st.Active
			}).Should(BeTrue())

			// The window ages out without any reset.
			s.clock.Set(t0.Add(20 * time.Minute))
			_, env = s.request(http.MethodGet, "/v1/flood", nil)
			Expect(json.Unmarshal(env.Data, &st)).To(Succeed())
			Expect(st.Active).To(BeFalse())
		})
	})

	Context("Reports", func() {
		It("should list report outcomes keyed by request ID", func() {
			for i := 0; i < 3; i++ {
				_, _ = s.request(http.MethodPost, "/v1/events",
					event(fmt.Sprintf("sp-%d", i), "bus-3", "D7", "speeding", "", t0.Add(time.Duration(i)*time.Hour)))
			}

			var outcomes []report.Outcome
			Eventually(func() []report.Outcome {
				_, env := s.request(http.MethodGet, "/v1/reports", nil)
				Expect(json.Unmarshal(env.Data, &outcomes)).To(Succeed())
				return outcomes
			}).Should(HaveLen(1))

			Expect(outcomes[0].DriverID).To(Equal("D7"))
			Expect(outcomes[0].ReportID).To(Equal(outcomes[0].RequestID))
			Expect(outcomes[0].Error).To(BeEmpty())

			_, env := s.request(http.MethodGet, "/v1/drivers/D7/violations", nil)
			var v struct {
				Count struct {
					Pending             int    `json:"pending"`
					InWindow            int    `json:"inWindow"`
					LastReportedBatchID string `json:"lastReportedBatchId"`
				} `json:"count"`
			}
			Expect(json.Unmarshal(env.Data, &v)).To(Succeed())
			Expect(v.Count.Pending).To(Equal(0))
			Expect(v.Count.InWindow).To(Equal(3))
			Expect(v.Count.LastReportedBatchID).NotTo(BeEmpty())
		})
	})
})
