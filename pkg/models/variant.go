package models

import "time"

// Variant is one alternative content path within an A/B test. Its counters
// only ever grow, and only through the storage layer's atomic increments.
type Variant struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"  validate:"required"`
	Content      map[string]any `json:"content"`
	Weight       float64        `json:"weight" validate:"min=0,max=100"`
	SendCount    int64          `json:"send_count"`
	SuccessCount int64          `json:"success_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ConversionRate is successes over sends, zero when nothing was sent yet.
func (v *Variant) ConversionRate() float64 {
	if v.SendCount == 0 {
		return 0
	}

	return float64(v.SuccessCount) / float64(v.SendCount)
}
