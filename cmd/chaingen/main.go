// Command chaingen provisions the hash chain that fixes every future crash
// point. Rounds genesis+1 through genesis+count become playable; the hash of
// the genesis id is the public anchor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"

	"pumpcrash/internal/fairness"
	"pumpcrash/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	seed := flag.String("seed", os.Getenv("CHAIN_SEED"), "secret terminal seed (random when empty)")
	genesis := flag.Int64("genesis", fairness.GenesisID, "id of the anchor hash")
	count := flag.Int("count", 100000, "number of playable rounds after the anchor")
	batch := flag.Int("batch", 1000, "rows per insert")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	dryRun := flag.Bool("dry-run", false, "print the anchor without touching the database")
	flag.Parse()

	if err := run(*seed, *genesis, *count, *batch, *dsn, *dryRun); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(seed string, genesis int64, count, batch int, dsn string, dryRun bool) error {
	if seed == "" {
		var err error
		if seed, err = fairness.GenerateSeed(); err != nil {
			return err
		}
		pterm.Warning.Printfln("generated seed %s, store it somewhere safe", seed)
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Hashing %d rounds ...", count))
	start := time.Now()
	chain, err := fairness.Generate(seed, genesis, count)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Hashed %d rounds in %s", count, time.Since(start).Round(time.Millisecond)))

	pterm.Info.Printfln("genesis %d anchor %s", chain.Genesis(), chain.Anchor())
	pterm.Info.Printfln("playable rounds %d..%d", chain.Genesis()+1, chain.Horizon())
	if dryRun {
		return nil
	}
	if dsn == "" {
		return fmt.Errorf("set -dsn or DATABASE_URL")
	}

	db, err := ledger.Open(dsn, 2)
	if err != nil {
		return err
	}
	defer db.Close()
	store := ledger.NewPostgres(db, ledger.PostgresOptions{Genesis: genesis, Retry: ledger.DefaultRetryPolicy()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	spinner, _ = pterm.DefaultSpinner.Start("Inserting hashes ...")
	inserted, err := store.ProvisionChain(ctx, chain, batch)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Inserted %d new hashes, %d already present", inserted, chain.Horizon()-chain.Genesis()-inserted))
	return nil
}
