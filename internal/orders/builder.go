package orders

import (
	"context"
	"database/sql"
	"time"

	"cartwheel/internal/db/postgres"
	"cartwheel/internal/domain"
	"cartwheel/internal/participant"
	"cartwheel/internal/saga"
	"cartwheel/internal/store/memory"
	"cartwheel/internal/undolog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

// Stores bundles the durable state one process owns.
type Stores struct {
	Orders domain.OrderStore
	Stock  domain.StockStore
	Credit domain.CreditStore
	Undo   participant.UndoLog
	Sagas  saga.Log
	// Postgres is true when the stores are backed by a database.
	Postgres bool
}

// BuildStores wires the stores from a Postgres DSN. If the DSN is empty or
// initialization fails, it falls back to in-memory stores. The returned
// cleanup closes any external resources.
func BuildStores(ctx context.Context, dsn string, log logrus.FieldLogger) (Stores, func()) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			log.WithError(err).Warn("postgres open failed, falling back to in-memory stores")
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			stores, err := postgresStores(setupCtx, sqlDB)
			if err != nil {
				log.WithError(err).Warn("postgres init failed, falling back to in-memory stores")
				_ = sqlDB.Close()
			} else {
				log.Info("postgres stores enabled")
				return stores, func() {
					if err := sqlDB.Close(); err != nil {
						log.WithError(err).Warn("close postgres")
					}
				}
			}
		}
	}

	return MemoryStores(), func() {}
}

// MemoryStores returns process-local stores.
func MemoryStores() Stores {
	return Stores{
		Orders: memory.NewOrders(),
		Stock:  memory.NewStock(),
		Credit: memory.NewCredit(),
		Undo:   undolog.NewMemory(),
		Sagas:  saga.NewMemoryLog(),
	}
}

func postgresStores(ctx context.Context, db *sql.DB) (Stores, error) {
	if err := db.PingContext(ctx); err != nil {
		return Stores{}, err
	}
	orders, err := postgres.NewOrdersWithSchema(ctx, db)
	if err != nil {
		return Stores{}, err
	}
	stock, err := postgres.NewStockWithSchema(ctx, db)
	if err != nil {
		return Stores{}, err
	}
	credit, err := postgres.NewCreditWithSchema(ctx, db)
	if err != nil {
		return Stores{}, err
	}
	undo, err := postgres.NewUndoLogWithSchema(ctx, db)
	if err != nil {
		return Stores{}, err
	}
	sagas, err := postgres.NewSagaLogWithSchema(ctx, db)
	if err != nil {
		return Stores{}, err
	}
	return Stores{Orders: orders, Stock: stock, Credit: credit, Undo: undo, Sagas: sagas, Postgres: true}, nil
}
