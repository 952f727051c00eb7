/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"zonecore/zone"
)

var appVersion string

// server implements zone.ServerHandle, owning the channels transfer
// workers and the event loop read from. Socket I/O and wire parsing live
// outside this core; server only holds what ZoneEntry needs to enqueue
// work onto.
type server struct {
	db       *zone.ZoneDB
	pipeline *zone.Pipeline
	xfrQ     chan zone.TransferTask
	notifyQ  chan zone.TransferTask
}

func (s *server) EnqueueTransfer(task zone.TransferTask) { s.xfrQ <- task }
func (s *server) EnqueueNotify(task zone.TransferTask)   { s.notifyQ <- task }

// transferExecutor is a stand-in for the real network transfer worker,
// which belongs to the wire-protocol layer outside this core's scope. It
// drains xfrQ and reports completion through OnTransferComplete so the
// pipeline wiring below is exercised end to end.
func (s *server) transferExecutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.xfrQ:
			e, ok := s.db.Find(task.Zone)
			if !ok {
				continue
			}
			log.Printf("zoned: dispatching %s transfer for zone %s to %s", task.Op, task.Zone, task.MasterAddr)
			zone.OnTransferComplete(ctx, s.pipeline, e, task, nil, fmt.Errorf("transfer executor not wired to a transport"))
		}
	}
}

func (s *server) notifyExecutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.notifyQ:
			log.Printf("zoned: NOTIFY for zone %s -> %s", task.Zone, task.MasterAddr)
		}
	}
}

func buildZoneDB(conf *zone.Config, srv *server) (*zone.ZoneDB, error) {
	db := zone.NewZoneDB()
	for name, zc := range conf.Zones {
		zc.Name = name
		e, err := zone.NewZoneEntry(zc, srv, conf.Log.File)
		if err != nil {
			return nil, fmt.Errorf("zoned: configuring zone %s: %w", name, err)
		}

		journalPath := zc.IxfrDb
		if journalPath == "" {
			journalPath = filepath.Join(os.TempDir(), name+".journal.db")
		}
		j, err := zone.Open(journalPath, zc.IxfrFsLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("zoned: opening journal for zone %s: %w", name, err)
		}
		e.Journal = j

		db.Add(e)

		if e.Master != "" && !e.HasContents() {
			delay := zone.BootstrapDelay()
			time.AfterFunc(delay, func() {
				zone.RequestTransfer(context.Background(), e, zone.BuildBootstrapTask(e))
			})
		} else {
			refresh, _ := zone.RefreshRetryDurations(e.Contents())
			e.ArmRefresh(refresh, func() {
				zone.RequestTransfer(context.Background(), e, zone.BuildRefreshTask(e))
			})
		}

		if zc.DbSyncTimeout > 0 {
			zone.ArmSyncLoop(e, time.Duration(zc.DbSyncTimeout)*time.Second, nil)
		}
	}
	return db, nil
}

func mainLoop(ctx context.Context, cancel context.CancelFunc) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-exit:
				log.Println("zoned: exit signal received, shutting down")
				cancel()
				return
			case <-hup:
				log.Println("zoned: SIGHUP received; reconfiguration not yet wired to a config watcher")
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()
}

func main() {
	cfgPath := flag.String("config", "/etc/zoned/zoned.yaml", "path to configuration file")
	flag.Parse()

	fmt.Printf("zoned version %s starting.\n", appVersion)

	conf, err := zone.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("zoned: loading config %s: %v", *cfgPath, err)
	}

	if conf.Service.JitterPct > 0 {
		zone.JitterPct = conf.Service.JitterPct
	}
	if conf.Service.BootstrapDelayMs > 0 {
		zone.BootstrapDelayMs = conf.Service.BootstrapDelayMs
	}

	srv := &server{
		xfrQ:    make(chan zone.TransferTask, 16),
		notifyQ: make(chan zone.TransferTask, 16),
	}
	onBusy := zone.OnSyncBusy(nil)
	srv.pipeline = zone.NewPipeline(onBusy)

	db, err := buildZoneDB(conf, srv)
	if err != nil {
		log.Fatalf("zoned: %v", err)
	}
	srv.db = db

	ctx, cancel := context.WithCancel(context.Background())
	go srv.transferExecutor(ctx)
	go srv.notifyExecutor(ctx)

	log.Printf("zoned: %d zones loaded", db.Count())
	mainLoop(ctx, cancel)
	fmt.Println("zoned: leaving main loop")
}
