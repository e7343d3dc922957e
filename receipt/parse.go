package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Viyatek/iap/entitlement"
	"github.com/Viyatek/iap/log"
	"github.com/Viyatek/iap/products"
)

// ErrMissingReceiptInfo means the payload carried no latest_receipt_info
// array at all. Callers must treat this as a malformed payload, not as
// "no entitlement": previous state stays untouched.
var ErrMissingReceiptInfo = errors.New("no latest_receipt_info in validation payload")

// Outcome is the normalized result of one validation pass.
type Outcome struct {
	Items []entitlement.LineItem
	Grace []entitlement.GraceEntry
}

// Validation payloads carry every date twice: an ISO-like string with a zone
// abbreviation and an epoch-millisecond string. The parser accepts either,
// selected by field name, preferring the millisecond form.
var dateLayouts = []string{
	"2006-01-02 15:04:05 Etc/GMT",
	"2006-01-02 15:04:05 MST",
}

type inApp struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDate           string `json:"expires_date"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	PurchaseDate          string `json:"purchase_date"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	CancellationDate      string `json:"cancellation_date"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

type renewal struct {
	ProductID                string `json:"product_id"`
	AutoRenewProductID       string `json:"auto_renew_product_id"`
	GracePeriodExpiresDate   string `json:"grace_period_expires_date"`
	GracePeriodExpiresDateMS string `json:"grace_period_expires_date_ms"`
}

// ParseResponse normalizes a successful validation payload.
// A malformed date inside an otherwise well-formed entry skips that entry
// (logged), the rest of the payload still counts.
func ParseResponse(ctx context.Context, rresp Response) (Outcome, error) {
	if len(rresp.LatestReceiptInfo) == 0 {
		return Outcome{}, ErrMissingReceiptInfo
	}

	var entries []inApp
	if err := json.Unmarshal(rresp.LatestReceiptInfo, &entries); err != nil {
		return Outcome{}, fmt.Errorf("parse latest_receipt_info: %w", err)
	}

	logger := log.FromContext(ctx)

	out := Outcome{Items: make([]entitlement.LineItem, 0, len(entries))}
	for _, e := range entries {
		item := entitlement.LineItem{
			ProductID: e.ProductID,
			Lifetime:  products.IsLifetime(e.ProductID),
		}

		var err error
		if item.ExpiresAt, err = pickDate(e.ExpiresDateMS, e.ExpiresDate); err != nil {
			logger.Error("skipping receipt entry", "err", err, "product_id", e.ProductID, "field", "expires_date")
			continue
		}
		if item.PurchasedAt, err = pickDate(e.PurchaseDateMS, e.PurchaseDate); err != nil {
			logger.Error("skipping receipt entry", "err", err, "product_id", e.ProductID, "field", "purchase_date")
			continue
		}
		if item.CancelledAt, err = pickDate(e.CancellationDateMS, e.CancellationDate); err != nil {
			logger.Error("skipping receipt entry", "err", err, "product_id", e.ProductID, "field", "cancellation_date")
			continue
		}

		out.Items = append(out.Items, item)
	}

	grace, err := parseGrace(ctx, rresp.PendingRenewalInfo)
	if err != nil {
		return Outcome{}, err
	}
	out.Grace = grace

	return out, nil
}

// parseGrace reads grace windows from pending_renewal_info. The array is
// optional and reported independently of the receipt entries.
func parseGrace(ctx context.Context, raw json.RawMessage) ([]entitlement.GraceEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var entries []renewal
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse pending_renewal_info: %w", err)
	}

	logger := log.FromContext(ctx)

	var grace []entitlement.GraceEntry
	for _, e := range entries {
		t, err := pickDate(e.GracePeriodExpiresDateMS, e.GracePeriodExpiresDate)
		if err != nil {
			logger.Error("skipping renewal entry", "err", err, "product_id", e.ProductID)
			continue
		}
		if t.IsZero() {
			continue
		}

		productID := e.ProductID
		if productID == "" {
			productID = e.AutoRenewProductID
		}
		grace = append(grace, entitlement.GraceEntry{ProductID: productID, ExpiresAt: t})
	}
	return grace, nil
}

// pickDate parses whichever representation is present; both absent is not
// an error, the instant is simply unknown.
func pickDate(ms, str string) (time.Time, error) {
	if ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad millisecond date %q: %w", ms, err)
		}
		return time.UnixMilli(n).UTC(), nil
	}
	if str == "" {
		return time.Time{}, nil
	}

	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.Parse(layout, str); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q: %w", str, err)
}
