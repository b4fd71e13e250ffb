package db

import (
	"fmt"

	"smallbiznis-economy/pkg/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver named by DATABASE.TYPE.
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	d := cfg.Database
	switch d.Type {
	case "postgres", "":
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		tz := d.Timezone
		if tz == "" {
			tz = "UTC"
		}
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, sslMode, tz)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn), nil
	case "sqlite":
		name := d.DBNAME
		if name == "" {
			name = "economy.db"
		}
		return sqlite.Open(name + "?_busy_timeout=5000&_foreign_keys=on"), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", d.Type)
	}
}
