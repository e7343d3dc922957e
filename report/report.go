// Package report carries entitlement outcomes to the analytics and
// attribution collaborators. Everything here is fire-and-forget: reporting
// failures never affect entitlement state.
package report

import (
	"context"

	"github.com/Viyatek/iap/log"
)

// Event names and property keys the downstream pipelines key on.
const (
	PropUserStatus = "user_status" // values: premium, free, ex_premium

	EventUserStatus          = "user_status_changed"
	EventSubscriptionRevenue = "subscription_revenue"
	EventLifetimeRevenue     = "lifetime_revenue"
	EventFreeTrialStarted    = "free_trial_started"
	EventSubscriptionStarted = "subscription_started"
	EventRestoreCompleted    = "restore_completed"
	EventPurchaseFailed      = "purchase_failed"
)

// Props is the free-form payload of one reporting event.
type Props map[string]interface{}

// Sink delivers one event. Implementations must be non-blocking or cheap;
// there is no error return, delivery is best effort.
type Sink interface {
	Send(ctx context.Context, event string, props Props)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Send(ctx context.Context, event string, props Props) {
	for _, s := range m {
		s.Send(ctx, event, props)
	}
}

// LogSink reports through the structured logger. It stands in for the
// mobile-side analytics and attribution SDKs, which live outside this layer.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, event string, props Props) {
	kv := make([]interface{}, 0, 2*len(props)+2)
	kv = append(kv, "event", event)
	for k, v := range props {
		kv = append(kv, k, v)
	}
	log.FromContext(ctx).Info("report", kv...)
}

// Revenue builds the props of a revenue event, keyed by transaction id as
// the attribution collaborator requires.
func Revenue(transactionID, productID string, price float64, currency string) Props {
	return Props{
		"transaction_id": transactionID,
		"product_id":     productID,
		"price":          price,
		"currency":       currency,
	}
}
