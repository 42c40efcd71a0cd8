package database

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/devicehub/hubevents/internal/config"
)

// applicationName is reported to the server so sessions are identifiable in
// pg_stat_activity.
const applicationName = "hubevents"

// BuildConnString builds a PostgreSQL URL from config. Credentials are
// escaped by net/url.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", applicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redacted returns the connection string with the password masked, for logs.
func Redacted(cfg config.DBConfig) string {
	u, err := url.Parse(BuildConnString(cfg))
	if err != nil {
		return fmt.Sprintf("postgres://%s@%s/%s", cfg.User, cfg.Host, cfg.Name)
	}
	return u.Redacted()
}
