// Package auth turns a verified receipt into an entitlement-scoped access
// token, playing the server side of the validation relay: clients post the
// raw receipt blob here instead of talking to the store directly.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/Viyatek/iap/clock"
	"github.com/Viyatek/iap/entitlement"
	"github.com/Viyatek/iap/log"
	"github.com/Viyatek/iap/receipt"
	"github.com/Viyatek/iap/reply"
	"github.com/Viyatek/iap/usage"
)

// NextHandlerBuilder builds the handler that runs behind introspection.
type NextHandlerBuilder func(claims Claims) http.Handler

// Claims is set of values transferred by jwt
type Claims struct {
	jwt.StandardClaims
	UID  string `json:"uid,omitempty"`
	Tier string `json:"tier,omitempty"`
}

// AuthenticationHandler receives a receipt, validates it remotely, resolves
// the entitlement and answers with an access token. The token never outlives
// the entitlement: its expiry is capped at the resolved expiration instant.
func AuthenticationHandler(secret string, period time.Duration, svc receipt.Service, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			reply.Err(ctx, w, http.StatusBadRequest, "unable to find posted parameters: "+err.Error())
			return
		}

		deviceID := r.FormValue("identifier_for_vendor")
		if deviceID == "" {
			reply.Err(ctx, w, http.StatusBadRequest, "please provide correct identifier_for_vendor")
			return
		}
		ctx = usage.NewContext(ctx,
			"device_id", deviceID,
		)

		blob, errmsg := readReceipt(r)
		if errmsg != "" {
			reply.Err(ctx, w, http.StatusBadRequest, errmsg)
			return
		}
		ctx = usage.NewContext(ctx,
			"receipt_len", len(blob),
		)
		if len(blob) == 0 {
			reply.Err(ctx, w, http.StatusBadRequest, "please provide correct receipt")
			return
		}

		out, err := svc.Validate(ctx, blob)
		if err != nil {
			// the status taxonomy separates a rejected receipt from our own
			// trouble reaching the validation endpoint
			var serr receipt.StatusError
			if errors.As(err, &serr) {
				log.Error(ctx, "receipt rejected", "err", err, "status", serr.Status, "type", "auth.iap")
				reply.Err(ctx, w, http.StatusForbidden, "receipt rejected")
				return
			}

			errmsg := "unexpected problem during receipt verifying"
			log.Error(ctx, errmsg, "err", err, "type", "auth.iap")
			reply.Err(ctx, w, http.StatusInternalServerError, errmsg)
			return
		}

		now := clk.Now()
		state := entitlement.Resolve(entitlement.Default(), out.Items, out.Grace, now)
		if !state.Active(now) {
			reply.Err(ctx, w, http.StatusForbidden, "no active entitlement")
			return
		}

		// token expires with the entitlement, or after the period, whichever
		// comes first
		expireToken := now.Add(period)
		if expire := latestEntitled(state); expireToken.After(expire) {
			expireToken = expire
		}

		// device id is the stable identity here; receipts for the same
		// subscription renew their transaction ids
		user := sha256.Sum224([]byte(deviceID + state.ProductID))
		uid := base64.RawStdEncoding.EncodeToString(user[:])

		ReplyJWT(ctx, w, secret, expireToken, Claims{UID: uid, Tier: string(state.Tier)})
	}
}

func latestEntitled(state entitlement.State) time.Time {
	expire := state.ExpiresAt
	if state.GraceExpiresAt.After(expire) {
		expire = state.GraceExpiresAt
	}
	return expire
}

// ReplyJWT signs the claims and sends the token envelope.
func ReplyJWT(ctx context.Context, w http.ResponseWriter, secret string, expireToken time.Time, claims Claims) {
	claims.ExpiresAt = expireToken.Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		errmsg := "unable to create auth token"
		log.Error(ctx, errmsg, "err", err, "type", "auth.jwt")
		reply.Err(ctx, w, http.StatusInternalServerError, errmsg)
		return
	}

	expSec := int(time.Until(expireToken).Seconds())
	response := map[string]interface{}{
		"access_token": tokenString,
		"token_type":   "Bearer",
		"expires_in":   expSec,
		"tier":         claims.Tier,
	}

	ctx = usage.NewContext(ctx,
		"uid", claims.UID,
		"expires_in", expSec,
	)
	reply.Ok(ctx, w, response)
}

func readReceipt(r *http.Request) (blob []byte, errmsg string) {
	fr, _, err := r.FormFile("receipt")
	if err != nil {
		return nil, "unable to read receipt: " + err.Error()
	}

	blob, err = io.ReadAll(fr)
	if err != nil {
		return nil, "unable to read receipt: " + err.Error()
	}

	return blob, ""
}

// IntrospectHandler verifies access token.
// It forbids or requests authorization if token is invalid.
func IntrospectHandler(secret string, next NextHandlerBuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tokenString, errmsg := introParams(r)
		if errmsg != "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			reply.Err(ctx, w, http.StatusUnauthorized, errmsg)
			return
		}

		claims := Claims{}
		keyFunc := func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}
		_, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
		if err != nil {
			errmsg = "token expired"
			if verr, ok := err.(*jwt.ValidationError); !ok || verr.Errors&jwt.ValidationErrorExpired == 0 {
				errmsg = "invalid access token"
				// log system error or hacker attack
				log.Error(ctx, "invalid access token", "err", err, "type", "auth.invalid")
			}

			w.Header().Set("WWW-Authenticate", "Bearer")
			reply.Err(ctx, w, http.StatusUnauthorized, errmsg)
			return
		}

		ctx = usage.NewContext(ctx,
			"uid", claims.UID,
		)

		next(claims).ServeHTTP(w, r.WithContext(ctx))
	}
}

func introParams(r *http.Request) (token, errmsg string) {
	bearer := r.Header.Get("Authorization")
	if bearer == "" {
		return "", "Authorization header is missing"
	}

	prefix := "Bearer "
	if !strings.HasPrefix(bearer, prefix) {
		return "", "only 'Bearer' authorization token is supported"
	}

	return strings.TrimPrefix(bearer, prefix), ""
}
