// Command artgen runs a pipeline to completion in batch mode: selection
// gates resolve by the auto-approve policy unless -interactive hands them to
// the terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"artgen/internal/app"
	"artgen/internal/approval"
	"artgen/internal/config"
	"artgen/internal/spec"
)

func main() {
	pipelinePath := flag.String("pipeline", "pipeline.yaml", "pipeline definition file")
	runID := flag.String("run", "", "run id (enables resume when it matches a saved run)")
	interactive := flag.Bool("interactive", false, "review approval items on the terminal")
	dryRun := flag.Bool("dry-run", false, "use the fake provider, no external calls")
	refresh := flag.Bool("refresh", false, "drop every cached result of this pipeline before running")
	refreshStep := flag.String("refresh-step", "", "drop cached results of one step before running")
	refreshAsset := flag.String("refresh-asset", "", "drop cached results of one asset before running")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, *pipelinePath, app.Options{
		RunID:       *runID,
		AutoApprove: !*interactive,
		DryRun:      *dryRun,
	})
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	log.Printf("pipeline %s: %d steps", a.Pipeline.Name, len(a.Pipeline.Steps))

	if *refresh {
		if err := a.Cache.InvalidatePipeline(a.Pipeline.Name); err != nil {
			log.Fatalf("refresh cache: %v", err)
		}
	}
	if *refreshStep != "" {
		if err := a.Cache.InvalidateStep(a.Pipeline.Name, a.Pipeline.Version, *refreshStep); err != nil {
			log.Fatalf("refresh step %s: %v", *refreshStep, err)
		}
	}
	if *refreshAsset != "" {
		if err := a.Cache.InvalidateAsset(a.Pipeline.Name, a.Pipeline.Version, *refreshAsset); err != nil {
			log.Fatalf("refresh asset %s: %v", *refreshAsset, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("stopping: in-flight generation will finish")
		a.Orch.Stop()
		cancel()
	}()

	if *interactive {
		go reviewLoop(a)
	}

	sum, err := a.Orch.Run(ctx)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	fmt.Printf("\nrun %s finished in %s\n", sum.RunID, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  completed: %d/%d  failed: %d  skipped: %d\n",
		sum.Completed, sum.Total, sum.Failed, sum.Skipped)
	for _, f := range sum.Failures {
		fmt.Printf("  FAILED %s at %s: %s\n", f.AssetID, f.StepID, f.Message)
	}
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

// reviewLoop drains the approval queue on stdin. It is deliberately plain:
// show the current item, read one line, submit.
func reviewLoop(a *app.App) {
	in := bufio.NewScanner(os.Stdin)
	for {
		it, ok := a.Queue.Current()
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		fmt.Printf("\n[%s / %s] attempt %d/%d (%s)\n", it.AssetID, it.StepID, it.Attempt, it.MaxAttempts, it.Mode)
		for i, v := range it.Variations {
			content := v.ContentRef
			if len(content) > 120 {
				content = content[:120] + "..."
			}
			fmt.Printf("  [%d] %s: %s\n", i, v.Kind, content)
		}
		if it.Mode == spec.SelectChooseOne {
			fmt.Printf("choose 0-%d, r=regenerate, s=skip: ", len(it.Variations)-1)
		} else {
			fmt.Printf("a=accept, r=reject, s=skip: ")
		}
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())

		var d approval.Decision
		switch {
		case line == "s":
			d = approval.Decision{Action: approval.ActionSkip}
		case line == "r":
			d = approval.Decision{Action: approval.ActionRegenerate}
		case line == "a" && it.Mode == spec.SelectAcceptReject:
			d = approval.Decision{Action: approval.ActionApprove}
		default:
			n, err := strconv.Atoi(line)
			if err != nil || it.Mode != spec.SelectChooseOne {
				fmt.Println("unrecognized input")
				continue
			}
			d = approval.Decision{Action: approval.ActionApprove, SelectedIndex: n}
		}
		if err := a.Queue.Decide(it.ID, it.Revision, d); err != nil {
			fmt.Printf("decision rejected: %v\n", err)
		}
	}
}
