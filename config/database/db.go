package database

import (
	"database/sql"
	"time"

	"labelroom/pkg/logger"

	_ "github.com/lib/pq"
)

// Connect opens the archive database. The archive is optional, so a database
// that never answers is logged and reported as nil instead of killing the
// process.
func Connect(url string) *sql.DB {
	if url == "" {
		logger.Sugar.Info("DATABASE_URL not set, session archive disabled")
		return nil
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		logger.Sugar.Errorf("Failed to open database connection: %v", err)
		return nil
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	logger.Sugar.Errorf("Could not connect to database after retries, session archive disabled: %v", err)
	db.Close()
	return nil
}
