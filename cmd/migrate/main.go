package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"offsync.org/internal/kv"
)

var drivers = map[string]string{
	kv.Postgres: "pgx",
	kv.SQLite:   "sqlite3",
}

func main() {
	log.SetFlags(0)
	var (
		backend = flag.String("backend", envOr("OFFSYNC_STORE_BACKEND", kv.SQLite), "store backend: sqlite|postgres")
		dsn     = flag.String("dsn", os.Getenv("OFFSYNC_STORE_DSN"), "store DSN")
	)
	flag.Parse()

	driver, ok := drivers[*backend]
	if !ok {
		log.Fatalf("unsupported backend %q", *backend)
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or OFFSYNC_STORE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open(driver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := kv.NewMigrationManager(db, *backend)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
