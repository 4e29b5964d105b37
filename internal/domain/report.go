package domain

import "time"

// RiskRating classifies a compliance report request.
type RiskRating string

const (
	RiskHigh   RiskRating = "High"
	RiskMedium RiskRating = "Medium"
)

// ClassifyRisk rates a batch: one severe event makes the batch High risk.
func ClassifyRisk(events []AlertEvent) RiskRating {
	for i := range events {
		if events[i].IsSevere() {
			return RiskHigh
		}
	}
	return RiskMedium
}

// GenerateReportRequest asks the report generator for a compliance report
// covering one qualifying batch of a driver's violations.
type GenerateReportRequest struct {
	// RequestID uniquely identifies the request.
	RequestID string `json:"requestId"`

	// BatchID identifies the qualifying batch; it becomes the driver's
	// LastReportedBatchID watermark.
	BatchID string `json:"batchId"`

	DriverID   string       `json:"driverId"`
	AlertType  AlertType    `json:"alertType"`
	Events     []AlertEvent `json:"events"`
	RiskRating RiskRating   `json:"riskRating"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// EventIDs returns the IDs of the events in the batch, in order.
func (r *GenerateReportRequest) EventIDs() []string {
	ids := make([]string, len(r.Events))
	for i := range r.Events {
		ids[i] = r.Events[i].ID
	}
	return ids
}
