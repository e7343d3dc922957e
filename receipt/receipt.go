// Package receipt implements the verifyReceipt exchange with the store's
// validation endpoint and normalizes the returned payload into line items
// for the entitlement resolver.
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Viyatek/iap/log"
)

const (
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
)

const (
	defaultTimeout = 15 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

// StatusError is returned when the validation endpoint answers with a
// non-zero status. Terminal for that attempt; the caller must not mutate
// entitlement state because of it.
type StatusError struct {
	error
	Status int
}

var statusErrors = map[int]string{
	21000: "The App Store could not read the JSON object you provided.",
	21002: "The data in the receipt-data property was malformed or missing.",
	21003: "The receipt could not be authenticated.",
	21004: "The shared secret you provided does not match the shared secret on file for your account.",
	21005: "The receipt server is not currently available.",
	21006: "This receipt is valid but the subscription has expired.",
	21007: "This receipt is from the test environment, but it was sent to the production environment for verification.",
	21008: "This receipt is from the production environment, but it was sent to the test environment for verification.",
	21010: "This receipt could not be authorized. Treat this the same as if a purchase was never made.",
}

const unknownStatusError = "internal data access error"

// Service talks to the verifyReceipt endpoint. Configure at least Secret.
// The zero Client, Timeout and Backoff fall back to sane defaults; the
// upstream source left requests unbounded, here every call carries a timeout.
type Service struct {
	Secret                 string
	Sandbox                bool
	ExcludeOldTransactions bool
	MaxRetry               int // extra attempts on transient failure or retryable status
	Timeout                time.Duration
	Backoff                time.Duration
	Client                 *http.Client

	// endpoint overrides for tests
	SandboxURL    string
	ProductionURL string
}

// Request is the verifyReceipt POST body.
type Request struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions,omitempty"`
}

// Response is the validation payload envelope. The interesting arrays are
// kept raw and parsed on demand, see parse.go.
type Response struct {
	Status             int             `json:"status"`
	IsRetryable        bool            `json:"is-retryable"` // set for statuses 21100-21199
	Environment        string          `json:"environment"`
	LatestReceipt      string          `json:"latest_receipt"`
	LatestReceiptInfo  json.RawMessage `json:"latest_receipt_info"`
	PendingRenewalInfo json.RawMessage `json:"pending_renewal_info"`
}

// Validate runs the full exchange: verify the receipt blob, branch on the
// status taxonomy, and parse the payload into normalized line items.
func (s Service) Validate(ctx context.Context, receipt []byte) (Outcome, error) {
	rresp, err := s.Verify(ctx, Request{
		ReceiptData:            string(receipt),
		Password:               s.Secret,
		ExcludeOldTransactions: s.ExcludeOldTransactions,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := CheckStatus(rresp); err != nil {
		return Outcome{}, err
	}

	return ParseResponse(ctx, rresp)
}

// Verify posts the request to the configured endpoint and follows the
// environment redirect statuses: a sandbox receipt rejected by production
// (21007) is retried against sandbox, and the reverse (21008) against
// production. See the recommended approach in
// https://developer.apple.com/library/archive/documentation/NetworkingInternet/Conceptual/StoreKitGuide/Chapters/AppReview.html
func (s Service) Verify(ctx context.Context, rreq Request) (Response, error) {
	sandbox, production := s.SandboxURL, s.ProductionURL
	if sandbox == "" {
		sandbox = SandboxURL
	}
	if production == "" {
		production = ProductionURL
	}

	url := production
	if s.Sandbox {
		url = sandbox
	}

	rresp, err := s.post(ctx, url, rreq)
	if err != nil {
		return rresp, err
	}

	switch rresp.Status {
	case 21007:
		return s.post(ctx, sandbox, rreq)
	case 21008:
		return s.post(ctx, production, rreq)
	}
	return rresp, nil
}

// post performs one exchange with bounded retries. Network errors and
// retryable statuses are retried with doubling backoff; every attempt gets
// its own timeout.
func (s Service) post(ctx context.Context, url string, rreq Request) (Response, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	backoff := s.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}

	var rresp Response
	var err error
	for attempt := 0; ; attempt++ {
		rresp, err = post(ctx, client, timeout, url, rreq)
		retry := err != nil || (rresp.Status != 0 && rresp.IsRetryable)
		if !retry || attempt >= s.MaxRetry {
			return rresp, err
		}

		log.FromContext(ctx).Info("retrying receipt validation",
			"attempt", attempt+1, "err", err, "status", rresp.Status)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return rresp, ctx.Err()
		}
		backoff *= 2
	}
}

func post(ctx context.Context, client *http.Client, timeout time.Duration, url string, rreq Request) (Response, error) {
	rresp := Response{}

	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(rreq); err != nil {
		return rresp, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, b)
	if err != nil {
		return rresp, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return rresp, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&rresp); err != nil {
		return rresp, err
	}
	return rresp, nil
}

// CheckStatus maps a non-zero validation status to a StatusError.
func CheckStatus(rresp Response) error {
	if rresp.Status == 0 {
		return nil
	}

	errmsg, ok := statusErrors[rresp.Status]
	if !ok {
		errmsg = fmt.Sprintf("%s. status=%d", unknownStatusError, rresp.Status)
	}

	return StatusError{errors.New(errmsg), rresp.Status}
}
