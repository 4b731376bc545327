// proctorlens builds behavioral feature vectors from online test sessions.
//
//	proctorlens cohort build batch.json   Store a cohort baseline
//	proctorlens features batch.json       Export feature vectors
//	proctorlens score --cohort c batch    Score against a stored cohort
//	proctorlens report batch.json         Print per-session reports
//	proctorlens flag predictions.json     Flag centers from classifier labels
//	proctorlens watch                     Process batches dropped in the inbox
//	proctorlens serve                     Run the HTTP API
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
