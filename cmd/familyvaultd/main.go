// Command familyvaultd is the FamilyVault node daemon: it loads (or
// bootstraps) this device's identity and family membership, then wires
// together pairing, peer coordination, mDNS discovery, file transfer,
// and index synchronization into one running process — the
// single-binary equivalent of the teacher's main.go, minus its
// libp2p/legacy/Cap'n Proto branching, which this daemon has no use
// for.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/nodeconfig"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/coordinator"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/discovery"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/filetransfer"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/indexsync"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/indexsync/sqlitedb"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/pairing"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/securestore"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

func main() {
	var (
		deviceName  = flag.String("device-name", hostnameOrDefault(), "This device's display name")
		dataDir     = flag.String("data-dir", defaultDataDir(), "Directory for secrets, config, cache, and the index database")
		metricsAddr = flag.String("metrics-addr", ":9191", "Prometheus metrics/health listen address")
		noDiscovery = flag.Bool("no-discovery", false, "Disable mDNS peer discovery")
		bootstrap   = flag.String("bootstrap", "", "Comma-separated host:port peers to connect to on startup")
		createFam   = flag.Bool("create-family", false, "Create a new family if none is configured, printing a pairing PIN")
		joinPin     = flag.String("join-pin", "", "Join an existing family using this PIN (requires -join-host)")
		joinHost    = flag.String("join-host", "", "Host of the family member to pair with, for -join-pin")
		testMode    = flag.Bool("test", false, "Enable verbose status logging")
	)
	flag.Parse()

	if *testMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Printf("🧪 TESTING MODE ENABLED")
	}

	log.Printf("🚀 Starting FamilyVault node %q", *deviceName)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("❌ could not create data directory %s: %v", *dataDir, err)
	}

	store, err := securestore.Open(*dataDir)
	if err != nil {
		log.Fatalf("❌ could not open secure store: %v", err)
	}

	cfgMgr := nodeconfig.NewConfigManager("", *deviceName)
	cfg, err := cfgMgr.LoadConfig()
	if err != nil {
		log.Fatalf("❌ could not load node config: %v", err)
	}

	core, err := pairing.NewCore(store, *deviceName, wire.DeviceDesktop, cfg.PairingPort)
	if err != nil {
		log.Fatalf("❌ could not initialize pairing core: %v", err)
	}
	cfg.DeviceID = core.DeviceID()
	if err := cfgMgr.SaveConfig(cfg); err != nil {
		log.Printf("⚠️  could not persist node config: %v", err)
	}

	if !core.IsConfigured() {
		switch {
		case *createFam:
			info, err := core.CreateFamily()
			if err != nil {
				log.Fatalf("❌ could not create family: %v", err)
			}
			log.Printf("👪 Family created. Pairing PIN: %s (expires %s)", info.Pin, info.ExpiresAt.Format(time.RFC3339))
			log.Printf("📱 QR payload: %s", info.QRPayload)
		case *joinPin != "" && *joinHost != "":
			result, err := core.JoinByPin(*joinPin, *joinHost, cfg.PairingPort)
			if err != nil {
				log.Fatalf("❌ could not join family: %v (%s)", err, result)
			}
			log.Printf("✅ Joined family via %s", *joinHost)
		default:
			log.Fatalf("❌ no family configured for this device; rerun with -create-family or -join-pin/-join-host")
		}
	}

	psk, ok := core.DerivePSK()
	if !ok {
		log.Fatalf("❌ family secret present but PSK derivation failed")
	}

	db, err := sqlitedb.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ could not open index database at %s: %v", cfg.DatabasePath, err)
	}
	defer db.Close()

	ft := filetransfer.New(cfg.CacheRoot, db)
	defer ft.Close()

	sync := indexsync.New(db, db)

	var coord *coordinator.Coordinator
	coord = coordinator.New(core.DeviceID(), *deviceName, wire.DeviceDesktop, psk, coordinator.Callbacks{
		OnPeerConnected: func(deviceID string, conn *peerconn.Conn) {
			log.Printf("🤝 peer connected: %s", deviceID)
			if err := sync.RequestSync(conn, deviceID, 30*time.Second); err != nil {
				log.Printf("⚠️  initial index sync with %s failed: %v", deviceID, err)
			}
		},
		OnPeerDisconnected: func(deviceID string) {
			log.Printf("👋 peer disconnected: %s", deviceID)
			ft.CancelAllRequests(deviceID)
		},
		OnError: func(deviceID string, err error) {
			log.Printf("⚠️  connection error with %s: %v", deviceID, err)
		},
		OnMessage: func(deviceID string, f wire.Frame) {
			switch f.Type {
			case wire.MsgFileRequest, wire.MsgFileResponse, wire.MsgFileChunk, wire.MsgFileNotFound:
				ft.HandleFrame(deviceID, f)
			case wire.MsgIndexSyncRequest, wire.MsgIndexDelta, wire.MsgIndexDeltaAck, wire.MsgIndexSyncResponse:
				if conn, ok := coord.Conn(deviceID); ok {
					sync.HandleFrame(conn, deviceID, f)
				}
			}
		},
	})
	ft.ConnLookup = coord.Conn

	if err := coord.Start(cfg.ServicePort); err != nil {
		log.Fatalf("❌ could not start coordinator: %v", err)
	}
	defer coord.Stop()
	log.Printf("🌐 listening for peers on port %d", coord.Port())

	var disc *discovery.Discovery
	if !*noDiscovery {
		disc = discovery.New(core.DeviceID(), coord.Port(), discovery.Callbacks{
			OnPeerFound: func(p discovery.PeerFound) {
				log.Printf("🔎 discovered peer %s at %s:%d", p.DeviceID, p.Host, p.Port)
				if _, err := coord.ConnectToAddress(fmt.Sprintf("%s:%d", p.Host, p.Port)); err != nil {
					log.Printf("⚠️  could not connect to discovered peer %s: %v", p.DeviceID, err)
				}
			},
		})
		if err := disc.Start(); err != nil {
			log.Printf("⚠️  could not start discovery: %v", err)
		} else {
			defer disc.Stop()
			log.Printf("📡 mDNS discovery active")
		}
	}

	if *bootstrap != "" {
		for _, addr := range strings.Split(*bootstrap, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			log.Printf("🔗 connecting to bootstrap peer %s", addr)
			if _, err := coord.ConnectToAddress(addr); err != nil {
				log.Printf("❌ could not connect to bootstrap peer %s: %v", addr, err)
			}
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		return serveMetrics(*metricsAddr, coord)
	})

	if *testMode {
		go reportStatus(coord)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.Println("✅ FamilyVault node running. Press Ctrl+C to stop.")
	<-sigChan

	log.Println("🛑 Shutting down...")
	log.Println("✅ Shutdown complete")
}

// serveMetrics runs the Prometheus metrics and health HTTP endpoints
// until the listener fails. Intended to be run under an errgroup.
func serveMetrics(addr string, coord *coordinator.Coordinator) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coord.GetStats())
	})

	log.Printf("📊 Metrics server listening on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("❌ Metrics server error: %v", err)
		return err
	}
	return nil
}

func reportStatus(coord *coordinator.Coordinator) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ids := coord.ConnectedDeviceIDs()
		log.Printf("📊 Connected peers: %d", len(ids))
		for i, id := range ids {
			if i >= 3 {
				break
			}
			log.Printf("   peer %d: %s", i+1, id)
		}
	}
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "familyvault-node"
	}
	return name
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".familyvault"
	}
	return homeDir + "/.familyvault"
}
