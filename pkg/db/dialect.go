package db

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/smallbiznis/subchain/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const applicationName = "subchain"

// backend is one ledger store flavour: its dialector plus the pool cap it
// tolerates. maxOpen zero keeps the configured pool size.
type backend struct {
	dialector gorm.Dialector
	maxOpen   int
}

func openBackend(cfg config.Config) (backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres":
		return backend{dialector: postgres.New(postgres.Config{DSN: postgresDSN(cfg)})}, nil
	case "mysql":
		return backend{dialector: mysql.New(mysql.Config{
			DSN:               mysqlDSN(cfg),
			DefaultStringSize: 255,
		})}, nil
	case "sqlite":
		// No row locks; one connection serialises the ledger writers.
		return backend{dialector: sqlite.Open(sqliteDSN(cfg.DBPath)), maxOpen: 1}, nil
	default:
		return backend{}, fmt.Errorf("unsupported ledger store type %q", cfg.DBType)
	}
}

// postgresDSN uses the URL form so credentials with spaces or quotes survive.
func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("TimeZone", "UTC")
	q.Set("application_name", applicationName)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     net.JoinHostPort(cfg.DBHost, cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func mysqlDSN(cfg config.Config) string {
	dc := mysqldriver.NewConfig()
	dc.User = cfg.DBUser
	dc.Passwd = cfg.DBPassword
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	dc.DBName = cfg.DBName
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

func sqliteDSN(path string) string {
	if path == "" {
		path = applicationName + ".db"
	}
	if path == ":memory:" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_foreign_keys=on"
}
