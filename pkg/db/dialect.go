package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case TypeMySQL:
		return mysql.Open(MySQLDSN(cfg)), nil
	case TypePostgres:
		return postgres.Open(PostgresDSN(cfg)), nil
	case TypeSQLite:
		name := strings.TrimSpace(cfg.Name)
		if name == "" || name == "postgres" {
			name = "railhook.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

func PostgresDSN(cfg Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Host,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.Port,
		cfg.SSLMode,
	)
}

func MySQLDSN(cfg Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&multiStatements=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)
}

// SupportsSkipLocked reports whether the dialect understands FOR UPDATE SKIP LOCKED.
func SupportsSkipLocked(dialect string) bool {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case TypePostgres, TypeMySQL:
		return true
	default:
		return false
	}
}
