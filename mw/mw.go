package mw

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Viyatek/iap/log"
	"github.com/Viyatek/iap/reply"
	"github.com/Viyatek/iap/usage"
	uuid "github.com/satori/go.uuid"
)

type startKeyType struct{}

var startKey = startKeyType{}

// NewCommonHandler sets common middleware capabilities:
// - request id, echoed in X-Request-ID and attached to the logger
// - request start time
// - usage logging of path, client ip, status, bytes sent and duration
func NewCommonHandler(handler http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// set start time
		ctx = context.WithValue(ctx, startKey, time.Now())

		// set request id
		reqid := uuid.NewV4().String()
		w.Header().Set("X-Request-ID", reqid)

		logger := log.FromContext(ctx).With("reqid", reqid)
		ctx = log.NewContext(ctx, logger)

		ctx = usage.NewContext(ctx,
			"path", r.URL.Path,
			"clientIP", ExtractClientIP(r),
		)

		// inject new replier that reports usage
		replier := reply.FromContext(ctx)
		replier = usageReplier{replier}
		ctx = reply.NewContext(ctx, replier)

		handler.ServeHTTP(w, r.WithContext(ctx))
	}
}

// the client ip is for logging only and must not drive any control decision,
// X-Forwarded-For is client-controlled.
func ExtractClientIP(r *http.Request) string {
	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	return clientIP
}

type usageReplier struct {
	reply.Replier
}

func (rpl usageReplier) Reply(ctx context.Context, w http.ResponseWriter, status int, result io.Reader) int {
	n := rpl.Replier.Reply(ctx, w, status, result)

	start, _ := ctx.Value(startKey).(time.Time)
	took := time.Since(start) / time.Millisecond

	u := usage.FromContext(ctx)
	u = append(u,
		"status", status,
		"sent", n,
		"took", int(took),
	)
	log.FromContext(ctx).Info("usage", u...)

	return n
}
