package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/audit"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/models"
)

var (
	devDockerHost    string
	devBlueprintsDir string
	devPortStart     int
	devPortEnd       int
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run a single-process development control plane",
	Long: `Run API, workers and reconciler in one process against the in-memory
store and queue. A "local" host backed by the local Docker Engine is
registered with a loopback IP and a port range, and every blueprint in
--blueprints is imported.

Examples:
  gameforge dev
  gameforge dev --blueprints ./blueprints --ports 25565-25600`,
	RunE: runDev,
}

func init() {
	devCmd.Flags().StringVar(&devDockerHost, "docker-host", "unix:///var/run/docker.sock", "Docker Engine endpoint of the local host")
	devCmd.Flags().StringVar(&devBlueprintsDir, "blueprints", "blueprints", "directory of blueprint files to import")
	devCmd.Flags().IntVar(&devPortStart, "port-start", 25565, "first port of the local pool")
	devCmd.Flags().IntVar(&devPortEnd, "port-end", 25600, "last port of the local pool")
}

func runDev(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cfg.Database.Driver = "memory"
	cfg.Redis.URL = ""
	cfg.Daemon.Transport = "docker"
	cfg.Server.Debug = true
	if cfg.Logging.Format == "json" {
		cfg.Logging.Format = "console"
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedDev(ctx, a); err != nil {
		return err
	}

	rt, err := a.runtime(audit.NewZapSink(a.logger))
	if err != nil {
		return err
	}
	return serve(ctx, a, rt)
}

func seedDev(ctx context.Context, a *app) error {
	_, err := a.svc.RegisterHost(ctx, servers.RegisterHostRequest{
		ID:        "local",
		Name:      "local",
		Address:   "127.0.0.1",
		DaemonURL: devDockerHost,
		Capacity:  models.Resources{CPU: 4000, Memory: 8192, Disk: 100},
		Status:    models.HostOnline,
	})
	if err != nil {
		return errors.Wrap(err, "register local host")
	}
	_, err = a.svc.AddPools(ctx, "local", servers.PoolRequest{
		IPs: []string{"127.0.0.1"},
		Ports: []servers.PortRange{
			{Protocol: models.TCP, Start: devPortStart, End: devPortEnd},
			{Protocol: models.UDP, Start: devPortStart, End: devPortEnd},
		},
	})
	if err != nil {
		return errors.Wrap(err, "seed local pools")
	}

	files, err := blueprintFiles(devBlueprintsDir)
	if err != nil {
		if os.IsNotExist(errors.UnwrapAll(err)) {
			a.logger.Info("no blueprint directory", zap.String("dir", devBlueprintsDir))
			return nil
		}
		return err
	}
	for _, f := range files {
		if _, err := importBlueprintFile(ctx, a.svc, f); err != nil {
			a.logger.Warn("blueprint skipped", zap.String("file", f), zap.Error(err))
		}
	}
	return nil
}

// blueprintFiles lists the YAML and JSON files of dir.
func blueprintFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}
