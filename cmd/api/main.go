// Command api runs a pipeline in interactive mode and serves the review
// surface: queue endpoints, run control and a websocket event feed.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"artgen/internal/app"
	"artgen/internal/config"
	"artgen/internal/server"
)

func main() {
	port := flag.String("port", ":8080", "server port")
	pipelinePath := flag.String("pipeline", "pipeline.yaml", "pipeline definition file")
	runID := flag.String("run", "", "run id (enables resume when it matches a saved run)")
	dryRun := flag.Bool("dry-run", false, "use the fake provider, no external calls")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, *pipelinePath, app.Options{
		RunID:  *runID,
		DryRun: *dryRun,
	})
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sum, err := a.Orch.Run(ctx)
		if err != nil {
			log.Printf("run failed: %v", err)
			return
		}
		log.Printf("run %s finished: %d completed, %d failed, %d skipped",
			sum.RunID, sum.Completed, sum.Failed, sum.Skipped)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("stopping: in-flight generation will finish")
		a.Orch.Stop()
		cancel()
		<-runDone
		os.Exit(0)
	}()

	srv := server.New(a.Orch, a.Blobs, a.Orch.RunID())
	log.Printf("serving pipeline %s on %s", a.Pipeline.Name, *port)
	log.Fatal(http.ListenAndServe(*port, h2c.NewHandler(srv.Handler(), &http2.Server{})))
}
