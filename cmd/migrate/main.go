package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/pvhip/GymMaster/internal/migrate"
	"github.com/pvhip/GymMaster/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("GYM_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Directory holding migrations/ and seeds/ (default: embedded)")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or GYM_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var fsys fs.FS = pg.Files
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(store.DB(), fsys, "migrations", "seeds")

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var states []migrate.State
		states, err = mgr.Status(ctx)
		for _, st := range states {
			fmt.Println(st)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
