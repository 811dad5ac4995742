package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"groupcast/internal/app"
)

func main() {
	var (
		cfgPath string
		runID   int64
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file")
	flag.Int64Var(&runID, "run", 0, "execute one campaign immediately and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if runID != 0 {
		sum, err := a.ExecuteCampaign(ctx, runID)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.Stop(stopCtx)
		stopCancel()
		if err != nil {
			fmt.Println("fatal run:", err)
			os.Exit(1)
		}
		fmt.Printf("campaign %d: %d sent, %d failed, %d deferred\n",
			sum.CampaignID, sum.Sent, sum.Failed, sum.Deferred)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.Stop(stopCtx)
	stopCancel()
}
