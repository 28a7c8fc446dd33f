// Package database wraps the single MariaDB connection the event log
// persists events through.
package database

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// MariaDBConfig holds the connection parameters for the event log's
// backing store.
type MariaDBConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Charset  string
}

// Connection is the narrow surface eventlog.Log needs from a database
// handle: the underlying gorm instance to query through, and a way to
// release it on shutdown.
type Connection interface {
	Close() error
	Ping() error
	GetGormDB() *gorm.DB
}

// MariaDBConnection implements Connection over a gorm/MySQL driver pair.
type MariaDBConnection struct {
	config    *MariaDBConfig
	db        *gorm.DB
	connected bool
}

// NewMariaDBConnection opens a connection to the configured MariaDB
// instance.
func NewMariaDBConnection(config *MariaDBConfig) (*MariaDBConnection, error) {
	if config == nil {
		return nil, fmt.Errorf("MariaDB config is required")
	}

	conn := &MariaDBConnection{config: config}

	if err := conn.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid MariaDB config: %w", err)
	}

	if config.Charset == "" {
		config.Charset = "utf8mb4"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.Charset,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MariaDB: %w", err)
	}

	conn.db = db
	conn.connected = true

	log.WithFields(log.Fields{
		"host":     config.Host,
		"port":     config.Port,
		"database": config.Database,
		"username": config.Username,
	}).Info("MariaDB connection established successfully")

	return conn, nil
}

// Close releases the underlying SQL connection.
func (c *MariaDBConnection) Close() error {
	if !c.connected || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		log.WithError(err).Error("failed to get SQL DB for closing")
		return err
	}
	if err := sqlDB.Close(); err != nil {
		log.WithError(err).Error("failed to close SQL DB")
		return err
	}
	c.connected = false
	log.Info("MariaDB connection closed")
	return nil
}

// Ping verifies the connection is still alive.
func (c *MariaDBConnection) Ping() error {
	if !c.connected || c.db == nil {
		return fmt.Errorf("not connected to database")
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	return sqlDB.Ping()
}

// GetGormDB returns the underlying gorm instance eventlog.Log queries
// through.
func (c *MariaDBConnection) GetGormDB() *gorm.DB {
	return c.db
}

func (c *MariaDBConnection) validateConfig() error {
	if c.config.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.config.Port <= 0 || c.config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.config.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.config.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}
