package main

import (
	"context"
	"testing"
	"time"

	"bakehouse/backend/internal/config"
	docmem "bakehouse/backend/internal/docstore/memory"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/logging"
	"bakehouse/backend/internal/service"
	"bakehouse/backend/internal/store"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", DefaultBranchID: "main"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", DefaultBranchID: "main"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestRunReconcilerStopsWithContext(t *testing.T) {
	docs := docmem.New()
	svc := service.New(store.NewRepository(docs), inventory.NewLedger(docs), service.Options{Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runReconciler(ctx, svc, 5*time.Millisecond, logging.Discard())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconciler did not stop after cancel")
	}
}
