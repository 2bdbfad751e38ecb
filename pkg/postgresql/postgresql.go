package postgresql

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/tsel-ticketmaster/tm-gate/config"
)

var (
	db   *sql.DB
	once sync.Once
)

func GetDatabase() *sql.DB {
	once.Do(func() {
		c := config.Get()

		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.PostgreSQL.Host, c.PostgreSQL.Port, c.PostgreSQL.User,
			c.PostgreSQL.Password, c.PostgreSQL.DBName, c.PostgreSQL.SSLMode,
		)

		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			panic(err)
		}

		db.SetMaxOpenConns(c.PostgreSQL.MaxOpenConns)
		db.SetMaxIdleConns(c.PostgreSQL.MaxIdleConns)
	})

	return db
}
