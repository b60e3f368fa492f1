package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"electionportal/internal/api"
	"electionportal/internal/auth"
	"electionportal/internal/config"
	"electionportal/internal/db"
	"electionportal/internal/notify"
	"electionportal/internal/registry"
	"electionportal/internal/service"
	"electionportal/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}
	if err := db.ApplyMigrationFile(sqdb, "migrations/002_two_factor.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb)
	if cfg.BootstrapAdminEmail != "" && cfg.BootstrapAdminPassword != "" {
		hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalf("bootstrap admin hash: %v", err)
		}
		if err := st.EnsureAdmin(context.Background(), cfg.BootstrapAdminEmail, hash); err != nil {
			log.Fatalf("bootstrap admin create: %v", err)
		}
	}

	dir, err := registry.NewDirectory(cfg)
	if err != nil {
		log.Fatalf("registry directory: %v", err)
	}
	sender := notify.NewSender(cfg)

	svc := service.New(cfg, st, dir, sender)
	r := api.NewRouter(cfg, svc)

	// Expired step-up grants are inert on read; this keeps the table small.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for range t.C {
			if err := svc.PurgeExpiredStepUpGrants(context.Background()); err != nil {
				log.Printf("stepup_purge_failed err=%q", err.Error())
			}
		}
	}()

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
