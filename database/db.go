package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/gantryio/gantry/config"
	"github.com/gantryio/gantry/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

// Datasource is the Postgres-backed entity store.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("entity cache disabled: %v", errCache)
			ca = nil
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createEntityTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createEntityTable creates the PostgreSQL table backing the entity store.
// The schema mirrors sql/0001_create_entities.sql so a fresh process can
// come up before migrations have been run.
func createEntityTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE SCHEMA IF NOT EXISTS gantry;
		CREATE TABLE IF NOT EXISTS gantry.entities (
			id SERIAL PRIMARY KEY,
			entity_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			state INTEGER NOT NULL,
			state_timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			state_count INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT,
			trace_context JSONB,
			lease_owner TEXT,
			lease_acquired_at TIMESTAMPTZ,
			lease_duration_ms BIGINT,
			pending_commands JSONB NOT NULL DEFAULT '[]',
			payload JSONB,
			meta_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_entities_claim
			ON gantry.entities (kind, state, state_timestamp);
	`)
	if err != nil {
		log.Printf("Error creating entities table: %v", err)
	}
	return err
}
