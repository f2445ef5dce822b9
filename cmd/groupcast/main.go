package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"groupcast/internal/app"
	"groupcast/pkg/logx"
	"groupcast/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envPath string
	)
	flag.StringVar(&cfgPath, "config", "./groupcast.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	// Variables already in the environment win over the file.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	systemd.Ready(log)

	<-a.Done()
	reason := app.StopSignal
	if err := a.Err(); err != nil {
		reason = app.StopFatalError
		log.Error("fatal error", logx.Err(err))
	}
	systemd.Stopping(log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		stopCancel()
		os.Exit(1)
	}
}
