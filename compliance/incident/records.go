package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/ComUnity/city-sentinel/internal/models"
)

// DeliveryEvent is the ledger kind of a delivery record.
type DeliveryEvent string

const (
	EventDelivered      DeliveryEvent = "alert_delivered"
	EventDeliveryFailed DeliveryEvent = "alert_delivery_failed"
	EventQueueOverflow  DeliveryEvent = "alert_queue_overflow"
)

// Overflow reasons.
const (
	ReasonQueueFull = "queue_full"
	ReasonClosed    = "closed"
	ReasonShutdown  = "shutdown"
)

// DeliveryRecord is the terminal audit record of one alert. Every accepted
// alert ends in exactly one of them.
type DeliveryRecord struct {
	Event     DeliveryEvent        `json:"event"`
	AlertID   uuid.UUID            `json:"alert_id"`
	AlertKind models.AlertKind     `json:"alert_kind"`
	Severity  models.AlertSeverity `json:"severity"`
	Origin    string               `json:"origin,omitempty"`
	Attempts  int                  `json:"attempts,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

func (r DeliveryRecord) LedgerKind() string    { return string(r.Event) }
func (r DeliveryRecord) LedgerTime() time.Time { return r.At }

func newRecord(ev DeliveryEvent, a models.Alert, at time.Time) DeliveryRecord {
	return DeliveryRecord{
		Event:     ev,
		AlertID:   a.ID,
		AlertKind: a.Kind,
		Severity:  a.Severity,
		Origin:    a.Payload.Origin,
		At:        at,
	}
}
