package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/taskmesh/internal/node"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const envNamespace = "TASKMESH_NAMESPACE"

func newStartCmd() *cobra.Command {
	d := node.DefaultConfig()
	namespace := d.Namespace
	if ns := strings.TrimSpace(os.Getenv(envNamespace)); ns != "" {
		namespace = ns
	}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a node until interrupted",
		Long: `Run a node until SIGINT or SIGTERM.

Examples:
  # first node of a namespace
  meshctl start --namespace app1 --port 10000

  # join through a rendezvous address
  meshctl start --namespace app1 --port 10010 --seeds 127.0.0.1:10000`,
		Args: cobra.NoArgs,
		RunE: runStart,
	}
	f := cmd.Flags()
	f.String("config", "", "TOML node config file")
	f.String("namespace", namespace, "namespace shared by every node of the cluster")
	f.String("name", "", "node name (defaults to node-<port>)")
	f.String("host", d.Host, "API bind host")
	f.Int("port", d.Port, "API port, 0 picks a free port")
	f.String("public-address", d.PublicAddress, "address peers dial to reach this node")
	f.StringSlice("seeds", nil, "rendezvous addresses (comma-separated)")
	f.String("archive", "", "snapshot archive path")
	f.String("workspace", "", "folder received snapshots extract into")
	f.Bool("auto-start", d.AutoStart, "start received task sets")
	return cmd
}

// resolveStartConfig loads --config when given, then applies every flag the
// caller set explicitly.
func resolveStartConfig(cmd *cobra.Command) (node.Config, error) {
	f := cmd.Flags()
	cfg := node.DefaultConfig()
	if path, _ := f.GetString("config"); strings.TrimSpace(path) != "" {
		loaded, err := loadNodeConfig(path)
		if err != nil {
			return node.Config{}, err
		}
		cfg = loaded
	} else if ns, _ := f.GetString("namespace"); ns != "" {
		cfg.Namespace = ns
	}

	if f.Changed("namespace") {
		cfg.Namespace, _ = f.GetString("namespace")
	}
	if f.Changed("name") {
		cfg.Name, _ = f.GetString("name")
	}
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("public-address") {
		cfg.PublicAddress, _ = f.GetString("public-address")
	}
	if f.Changed("seeds") {
		seeds, _ := f.GetStringSlice("seeds")
		cfg.Seeds = normalizeList(seeds)
	}
	if f.Changed("archive") {
		cfg.ArchivePath, _ = f.GetString("archive")
	}
	if f.Changed("workspace") {
		cfg.WorkspacePath, _ = f.GetString("workspace")
	}
	if f.Changed("auto-start") {
		cfg.AutoStart, _ = f.GetBool("auto-start")
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveStartConfig(cmd)
	if err != nil {
		return err
	}
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("namespace", cfg.Namespace).
		Str("addr", n.Addr()).
		Strs("seeds", cfg.Seeds).
		Msg("meshctl.start running")

	select {
	case <-ctx.Done():
	case <-n.Done():
	}
	log.Info().Msg("meshctl.start shutting down")
	return n.Close()
}
