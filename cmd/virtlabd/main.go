// virtlabd is the network emulation daemon: it owns the port
// allocator, the per-backend device pools, the image store, and the
// HTTP API controllers talk to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/virtlab/virtlabd/internal/api"
	"github.com/virtlab/virtlabd/internal/config"
	"github.com/virtlab/virtlabd/internal/device"
	"github.com/virtlab/virtlabd/internal/images"
	"github.com/virtlab/virtlabd/internal/manager"
	"github.com/virtlab/virtlabd/internal/ports"
	"github.com/virtlab/virtlabd/internal/project"
	"github.com/virtlab/virtlabd/internal/registry"
	"github.com/virtlab/virtlabd/internal/version"
)

// backends is the set of device pools the daemon serves. Each gets its
// own manager and image subdirectory.
var backends = []string{"qemu", "virtualbox", "vmware", "docker", "dynamips", "iou", "vpcs"}

func main() {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:     "virtlabd",
		Short:   "virtlabd is the network emulation device daemon",
		Version: version.Version(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file path")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	log.Infof("virtlabd %s starting", version.Version())

	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer db.Close()
	log.Infof("registry: %s", cfg.DBPath)

	if rows, err := db.ListDevices(); err == nil && len(rows) > 0 {
		log.Infof("registry holds %d devices from the previous run", len(rows))
	}

	// Reservations from a previous run are stale: nothing is allocated
	// yet in this process.
	if stale, err := db.ListReservations(); err == nil && len(stale) > 0 {
		log.Infof("clearing %d stale port reservations from the previous run", len(stale))
		cleared := make(map[string]bool, len(stale))
		for _, res := range stale {
			if cleared[res.ProjectID] {
				continue
			}
			cleared[res.ProjectID] = true
			if err := db.DeleteProjectReservations(res.ProjectID); err != nil {
				log.Warnf("clear reservations for project %s: %v", res.ProjectID, err)
			}
		}
	}

	allocator := ports.NewAllocator(
		ports.Range{Start: cfg.ConsolePortStart, End: cfg.ConsolePortEnd},
		ports.Range{Start: cfg.UDPPortStart, End: cfg.UDPPortEnd},
		cfg.ConsoleHost, cfg.UDPHost,
	)
	allocator.SetRecorder(&registry.Mirror{DB: db})
	projects := project.NewStore(cfg.ProjectsDir, cfg.LocalServer)

	managers := make(map[string]*manager.Manager, len(backends))
	for _, backend := range backends {
		backend := backend
		store := images.NewStore(filepath.Join(cfg.ImagesDir, strings.ToUpper(backend)), cfg.LocalServer)
		factory := func(id, name string, proj *project.Project, alloc *ports.Allocator, opts ...device.Option) (*device.Device, error) {
			opts = append(opts, device.WithBridgeBin(cfg.BridgeBin))
			return device.New(id, name, backend, proj, alloc, opts...)
		}
		managers[backend] = manager.New(backend, factory, allocator, store)
	}
	log.Infof("backends: %s", strings.Join(backends, ", "))

	server := api.NewServer(cfg, allocator, projects, managers, db)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "virtlabd.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Infof("virtlabd ready (pid %d, listening on %s)", os.Getpid(), cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Unload every pool concurrently, then close the projects so their
	// queued directory removals run.
	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *manager.Manager) {
			defer wg.Done()
			m.UnloadAll(ctx)
		}(m)
	}
	wg.Wait()
	for _, p := range projects.List() {
		projects.Close(p.ID())
	}

	if err := server.Stop(ctx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}

	log.Info("virtlabd stopped")
	return nil
}
