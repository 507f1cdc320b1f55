// Command causal runs every estimator over an account-month panel and writes
// the estimates, balance report and sensitivity tables as CSV.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"cashdrag/internal/config"
	"cashdrag/internal/panel"
	"cashdrag/internal/pipeline"
)

func main() {
	// expect 2 arguments: month records, account summaries; output dir optional
	if len(os.Args) < 3 {
		fmt.Println("Usage: causal <account_months.csv> <account_summaries.csv> [output_dir]")
		os.Exit(2)
	}
	outDir := "."
	if len(os.Args) > 3 {
		outDir = os.Args[3]
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Could not read .env")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.SetLevel(cfg.Level())
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	store, err := panel.LoadCSV(os.Args[1], os.Args[2])
	if err != nil {
		log.WithError(err).Fatal("Could not load panel")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := pipeline.NewRun(cfg, store, log.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("Could not start run")
	}
	rep, err := run.Execute(ctx)
	if err != nil {
		log.WithError(err).Fatal("Run aborted")
	}

	for _, nr := range rep.Results {
		fmt.Printf("%-18s %s\n", nr.Name, nr.Result)
	}

	written, err := writeOutputs(outDir, rep)
	if err != nil {
		log.WithError(err).Fatal("Could not write outputs")
	}
	for _, path := range written {
		log.WithField("path", path).Info("Output written")
	}
}
