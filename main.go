package main

import (
	stdlog "log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Viyatek/iap/auth"
	"github.com/Viyatek/iap/clock"
	ilog "github.com/Viyatek/iap/log"
	"github.com/Viyatek/iap/mw"
	"github.com/Viyatek/iap/receipt"
	"github.com/Viyatek/iap/reply"
)

// Config collects everything the relay needs. Constructed once in main and
// passed down explicitly; nothing ambient.
type Config struct {
	Addr         string
	SharedSecret string
	JWTSecret    string
	JWTPeriod    time.Duration
	Sandbox      bool
	MaxRetry     int
}

func configFromEnv() Config {
	// .env is optional, env vars win
	godotenv.Load()

	return Config{
		Addr:         envStr("IAP_ADDR", ":8080"),
		SharedSecret: os.Getenv("IAP_SHARED_SECRET"),
		JWTSecret:    os.Getenv("IAP_JWT_SECRET"),
		JWTPeriod:    envDuration("IAP_JWT_PERIOD", time.Hour),
		Sandbox:      envBool("IAP_SANDBOX"),
		MaxRetry:     2,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func main() {
	cfg := configFromEnv()
	if cfg.SharedSecret == "" || cfg.JWTSecret == "" {
		stdlog.Fatalln("IAP_SHARED_SECRET and IAP_JWT_SECRET must be set")
	}

	ilog.New = func() ilog.Logger {
		return ilog.NewZeroLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
	}

	rs := receipt.Service{
		Secret:                 cfg.SharedSecret,
		Sandbox:                cfg.Sandbox,
		ExcludeOldTransactions: true,
		MaxRetry:               cfg.MaxRetry,
	}

	stdlog.Fatalln(http.ListenAndServe(cfg.Addr, serveMux(cfg, rs)))
}

func serveMux(cfg Config, rs receipt.Service) http.Handler {
	authHandler := auth.AuthenticationHandler(cfg.JWTSecret, cfg.JWTPeriod, rs, clock.System())
	apiHandler := auth.IntrospectHandler(cfg.JWTSecret, newEntitlementHandler)

	mux := &http.ServeMux{}
	mux.Handle("/token", authHandler)
	mux.Handle("/entitlement", apiHandler)

	return mw.NewCommonHandler(mux)
}

/*************************** entitlement API ***************************/

type entitlementAPI struct {
	UID        string `json:"uid"`
	UserStatus string `json:"user_status"`
}

func newEntitlementHandler(claims auth.Claims) http.Handler {
	return entitlementAPI{claims.UID, claims.Tier}
}

func (api entitlementAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// enter here only if the access token was valid
	reply.Ok(r.Context(), w, api)
}
