// Command ctdbd is the clustered database daemon: one process per node,
// wiring together the call engine, lock coordinator, freeze engine,
// recovery coordinator, vacuum engine, inter-node transport, control
// plane and client socket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ctdbcore/ctdb/pkg/cluster"
	"github.com/ctdbcore/ctdb/pkg/clientserver"
	"github.com/ctdbcore/ctdb/pkg/config"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/logging"
	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/ctdbcore/ctdb/pkg/recovery"
	"github.com/ctdbcore/ctdb/pkg/transport"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/vacuum"
	"github.com/ctdbcore/ctdb/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ctdbd",
	Short:   "ctdbd - clustered transactional database daemon",
	Long:    `ctdbd runs one node of a ctdb cluster: it attaches the configured databases, links to its peers, and answers the call and control protocols described in the cluster's wire spec.`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ctdbd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().String("config", "/etc/ctdb/ctdbd.yaml", "Path to the daemon's YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-listen", "", "Address to serve Prometheus metrics on (disabled if empty)")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsListen, _ := cmd.PersistentFlags().GetString("metrics-listen")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.WithPNN(cfg.Self)
	log.Info().Str("config", configPath).Msg("loaded configuration")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("ctdbd: create data dir: %w", err)
	}

	cl := cluster.New(cluster.Config{
		Self:    types.PNN(cfg.Self),
		Nodes:   cfg.ClusterNodes(),
		DataDir: cfg.DataDir,
	}, log)

	for name, value := range cfg.Tunables {
		cl.SetTunable(name, value)
	}

	registry := control.NewRegistry()

	tp := transport.New(transport.Config{ListenAddr: cfg.Listen}, cl, nil, registry, log.With().Str("component", "transport").Logger())
	cl.SetTransport(tp)
	tp.SetDispatcher(cl.CallEngine())

	for _, db := range cfg.Databases {
		if _, err := cl.Attach(db.Name, db.Persistent, db.Priority); err != nil {
			return fmt.Errorf("ctdbd: attach %s: %w", db.Name, err)
		}
		log.Info().Str("db", db.Name).Bool("persistent", db.Persistent).Int("priority", db.Priority).Msg("attached database")
	}

	control.RegisterClusterControls(registry, cl)
	control.RegisterDBControls(registry, cl)
	control.RegisterFreezeControls(registry, cl)
	control.RegisterMiscControls(registry, cl, logging.GlobalRing, cl, cl, nil, cl, nil)
	control.RegisterTickleControls(registry, control.NewTickleStore())
	control.RegisterDebugControls(registry, logging.LevelControl{})

	recCoord := recovery.New(cl, cl, cl.FreezeEngine(), tp, recovery.NoopHooks{}, recovery.KeyBucket(cluster.KeyBucket), log.With().Str("component", "recovery").Logger())
	control.RegisterRecoveryDataControls(registry, recCoord, cl)

	vacEngine := vacuum.New(cl, cl.Locks(), &deleteBroadcaster{self: cl.Self(), transport: tp, log: log}, vacuum.KeyBucket(cluster.KeyBucket), log.With().Str("component", "vacuum").Logger())
	control.RegisterVacuumControls(registry, vacEngine, cl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	csServer := clientserver.New(clientserver.Config{
		Self:     cl.Self(),
		Engine:   cl.CallEngine(),
		Controls: registry,
		Remote:   tp,
		ServerIDs: cl,
		Forward: func(h wire.Header, body []byte) error {
			return tp.Send(wire.Encode(h, body))
		},
		Shutdown: func() {
			select {
			case sigCh <- syscall.SIGTERM:
			default:
			}
		},
	}, log.With().Str("component", "clientserver").Logger())
	tp.SetMessageSink(csServer)

	if err := tp.Listen(); err != nil {
		return fmt.Errorf("ctdbd: transport listen: %w", err)
	}
	log.Info().Str("addr", cfg.Listen).Msg("transport listening")

	socketPath := cfg.Socket
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), "ctdb.socket")
	}
	if err := csServer.Listen(socketPath); err != nil {
		return fmt.Errorf("ctdbd: client socket listen: %w", err)
	}
	log.Info().Str("socket", socketPath).Msg("client socket listening")

	if metricsListen != "" {
		collector := metrics.NewCollector(cl)
		collector.Start()
		defer collector.Stop()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsListen, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", metricsListen).Msg("metrics server listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recoveryLoop(ctx, recCoord, cl, log)
	go vacuumLoop(ctx, cl, vacEngine)

	log.Info().Msg("ctdbd running, press Ctrl+C to stop")
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	_ = csServer.Close()
	_ = tp.Close()
	log.Info().Msg("shutdown complete")
	return nil
}

// recoveryLoop drives the recovery coordinator whenever this node's
// vnn_map generation is invalid or a prior attempt failed, retrying
// after the coordinator's RetryInterval. Run holds no election: every
// node whose loop sees that condition runs a recovery itself.
func recoveryLoop(ctx context.Context, rc *recovery.Coordinator, cl *cluster.Cluster, log zerolog.Logger) {
	interval := rc.RetryInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if cl.Generation() == types.InvalidGeneration || cl.RecoveryMode() == types.RecoveryModeActive {
			if err := rc.Run(ctx); err != nil {
				log.Error().Err(err).Msg("recovery attempt failed")
			} else {
				cl.RecordRecovery()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// vacuumLoop sweeps every attached database's delete queue on
// vacuum.DefaultScanInterval.
func vacuumLoop(ctx context.Context, cl *cluster.Cluster, ve *vacuum.Engine) {
	ticker := time.NewTicker(vacuum.DefaultScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, db := range cl.Databases() {
				ve.Run(ctx, db)
			}
		}
	}
}

// deleteBroadcaster fans CTDB_CONTROL_DELETE_RECORD out to every
// connected node other than self over the inter-node transport. A node
// that doesn't answer simply keeps its stale copy until
// the next vacuum pass or a recovery reconciles it.
type deleteBroadcaster struct {
	self      types.PNN
	transport *transport.Transport
	log       zerolog.Logger
}

func (b *deleteBroadcaster) BroadcastDelete(nodes []types.PNN, dbID uint32, key []byte, hdr types.Header, rsn uint64) {
	payload, err := control.EncodeDeleteRecordRequest(dbID, key, rsn)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range nodes {
		if n == b.self {
			continue
		}
		if _, err := b.transport.SendControl(ctx, n, control.OpDeleteRecord, payload); err != nil {
			b.log.Debug().Err(err).Int32("node", int32(n)).Msg("delete_record broadcast failed")
		}
	}
}
