// Command ribcd is the replication daemon: it opens a peer's local
// key/object/ref stores, serves the wireproto RPCs over quicconn, and
// drives replication rounds for gossip-announced namespaces.
//
// Config wiring (cobra + viper, env overrides, optional config file)
// follows the teacher corpus's node-daemon shape
// (mosaicnetworks-babble/src/cmd/babble/command/run.go), generalized
// from babble's hashgraph-node config to this core's replication config
// — superseding the teacher's own raw flag.FlagSet usage for a daemon of
// this size; cmd/ribc-cid keeps the teacher's flag-only style for a
// narrow tool that doesn't need it.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/multiformats/go-multihash"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radicle-go/ribc/gossip"
	"github.com/radicle-go/ribc/keystore/localstore"
	"github.com/radicle-go/ribc/objectstore/localfs"
	"github.com/radicle-go/ribc/peer"
	"github.com/radicle-go/ribc/refdb/badgerrefdb"
	"github.com/radicle-go/ribc/replication"
	"github.com/radicle-go/ribc/tracking"
	"github.com/radicle-go/ribc/transport/quicconn"
	"github.com/radicle-go/ribc/transport/wireproto"
	"github.com/radicle-go/ribc/urn"
)

type config struct {
	DataDir        string        `mapstructure:"data-dir"`
	Listen         string        `mapstructure:"listen"`
	Identifier     string        `mapstructure:"identifier"`
	CertifierDepth int           `mapstructure:"certifier-depth"`
	GossipDebounce time.Duration `mapstructure:"gossip-debounce"`
	QueueCeiling   int           `mapstructure:"queue-ceiling"`
	WampURL        string        `mapstructure:"wamp-url"`
	WampRealm      string        `mapstructure:"wamp-realm"`
	LogFile        string        `mapstructure:"log-file"`
}

func defaultConfig() config {
	return config{
		DataDir:        "./.ribcd",
		Listen:         "127.0.0.1:7700",
		Identifier:     "default",
		CertifierDepth: 3,
		GossipDebounce: gossip.DefaultDebounce,
		QueueCeiling:   gossip.DefaultCeiling,
		WampRealm:      "ribc",
	}
}

var cfg = defaultConfig()

func main() {
	root := &cobra.Command{
		Use:   "ribcd",
		Short: "ribc replication daemon",
		RunE:  run,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "base directory for keys, objects and refs")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "quicconn listen address")
	flags.StringVar(&cfg.Identifier, "identifier", cfg.Identifier, "keystore identifier for this peer's root identity")
	flags.IntVar(&cfg.CertifierDepth, "certifier-depth", cfg.CertifierDepth, "certifier recursion depth K")
	flags.DurationVar(&cfg.GossipDebounce, "gossip-debounce", cfg.GossipDebounce, "gossip announce debounce window")
	flags.IntVar(&cfg.QueueCeiling, "queue-ceiling", cfg.QueueCeiling, "gossip work queue ceiling")
	flags.StringVar(&cfg.WampURL, "wamp-url", cfg.WampURL, "WAMP router URL for the gossip feed")
	flags.StringVar(&cfg.WampRealm, "wamp-realm", cfg.WampRealm, "WAMP realm")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "path to mirror WARN+ log lines to")

	cobra.OnInitialize(func() {
		viper.SetConfigName("ribcd")
		viper.AddConfigPath(cfg.DataDir)
		viper.AutomaticEnv()
		if err := viper.BindPFlags(flags); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_ = viper.ReadInConfig()
		_ = viper.Unmarshal(&cfg)
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c config) *logrus.Entry {
	log := logrus.New()
	log.Formatter = &prefixed.TextFormatter{FullTimestamp: true}
	if c.LogFile != "" {
		log.Hooks.Add(lfshook.NewHook(lfshook.PathMap{
			logrus.WarnLevel:  c.LogFile,
			logrus.ErrorLevel: c.LogFile,
			logrus.FatalLevel: c.LogFile,
		}, &prefixed.TextFormatter{}))
	}
	return logrus.NewEntry(log)
}

// dialer builds a RemoteClient over a quicconn-backed grpc.ClientConn,
// authenticating as ourSigner/ourPub and checking the remote presents
// remote's key during the QUIC handshake. addrOf resolves a PeerID to
// the network address to dial; the membership/directory layer that
// would populate it is out of scope here, so callers wire their own.
func dialer(ourSigner ed25519.PrivateKey, ourPub ed25519.PublicKey, addrOf func(urn.PeerID) string) func(ctx context.Context, remote urn.PeerID) (replication.RemoteClient, func() error, error) {
	return func(ctx context.Context, remote urn.PeerID) (replication.RemoteClient, func() error, error) {
		cc, err := grpc.DialContext(ctx, addrOf(remote),
			grpc.WithContextDialer(func(ctx context.Context, target string) (net.Conn, error) {
				return quicconn.DialConn(ctx, target, ourSigner, ourPub, remote)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()), // peer auth already happened in quicconn's QUIC handshake
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("ribcd: dial %s: %w", remote, err)
		}
		return wireproto.NewClient(cc), cc.Close, nil
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger(cfg)

	keys, err := localstore.Open(cfg.DataDir + "/keys")
	if err != nil {
		return fmt.Errorf("ribcd: open keystore: %w", err)
	}
	identity, err := keys.Load(cfg.Identifier, "")
	if err != nil {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("ribcd: generate root seed: %w", err)
		}
		identity, err = keys.InitRoot(cfg.Identifier, seed, false)
		if err != nil {
			return fmt.Errorf("ribcd: init root identity: %w", err)
		}
		log.WithField("identifier", cfg.Identifier).Info("initialized a new root identity")
	}
	ed := identity.Ed25519Signer()
	self := urn.PeerID{Key: append([]byte(nil), ed.Public().Bytes...)}

	objs, err := localfs.New(cfg.DataDir+"/objects", multihash.SHA2_256)
	if err != nil {
		return fmt.Errorf("ribcd: open object store: %w", err)
	}

	db, err := badgerrefdb.Open(cfg.DataDir + "/refs")
	if err != nil {
		return fmt.Errorf("ribcd: open refdb: %w", err)
	}
	defer db.Close()

	pub := ed25519.PublicKey(ed.Public().Bytes)
	quicLis, err := quicconn.Listen(cfg.Listen, ed.PrivateKey(), pub)
	if err != nil {
		return fmt.Errorf("ribcd: listen %s: %w", cfg.Listen, err)
	}

	directory, err := loadPeerDirectory(cfg.DataDir + "/peers.json")
	if err != nil {
		return fmt.Errorf("ribcd: load peer directory: %w", err)
	}

	grpcServer := grpc.NewServer()
	wireproto.RegisterServer(grpcServer, &wireproto.Server{
		DB:          db,
		PackBuilder: &replication.ServerPackBuilder{DB: db, Objects: objs},
		ManifestRead: (&replication.ManifestReader{
			DB:      db,
			Objects: objs,
			Self:    self,
		}).Read,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(quicconn.AsNetListener(quicLis))
	}()

	configDir := cfg.DataDir + "/tracking"
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("ribcd: create tracking dir: %w", err)
	}
	configPath := func(ns urn.URN) string {
		return configDir + "/" + ns.String() + ".json"
	}

	trackedFn := func(ns urn.URN) (tracking.Set, error) {
		return tracking.LoadConfig(configPath(ns), ns)
	}

	engine := &replication.Engine{
		DB:             db,
		Objects:        objs,
		Dial:           dialer(ed.PrivateKey(), pub, directory.addrOf),
		Tracked:        trackedFn,
		CertifierDepth: cfg.CertifierDepth,
		Self:           self,
		Logger:         log,
		OnSuspect: func(remote urn.PeerID, cause error) {
			log.WithFields(logrus.Fields{"remote": remote.String(), "cause": cause}).Warn("peer marked suspect")
		},
	}

	p, err := peer.New(peer.Options{
		DB:             db,
		Objects:        objs,
		Engine:         engine,
		CertifierDepth: cfg.CertifierDepth,
		ConfigPath:     configPath,
		Self:           self,
	})
	if err != nil {
		return fmt.Errorf("ribcd: construct peer: %w", err)
	}

	var shutdownGossip func() error
	if cfg.WampURL != "" {
		queue := gossip.NewQueue(cfg.GossipDebounce, cfg.QueueCeiling)
		adapter, err := gossip.Connect(ctx, gossip.Config{RouterURL: cfg.WampURL, Realm: cfg.WampRealm}, queue, log)
		if err != nil {
			return fmt.Errorf("ribcd: connect gossip feed: %w", err)
		}
		if err := adapter.Subscribe(); err != nil {
			return fmt.Errorf("ribcd: subscribe to announce topic: %w", err)
		}
		go queue.Dispatch(ctx, func(ev gossip.Event) {
			if _, err := p.Replicate(ctx, ev.URN, ev.Peer); err != nil {
				log.WithFields(logrus.Fields{"namespace": ev.URN.String(), "remote": ev.Peer.String(), "cause": err}).Error("replication round failed")
			}
		})
		shutdownGossip = adapter.Close
	}

	log.WithFields(logrus.Fields{
		"listen":          cfg.Listen,
		"data-dir":        cfg.DataDir,
		"self":            self.String(),
		"certifier-depth": cfg.CertifierDepth,
	}).Info("ribcd started")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("grpc server exited")
		}
	}

	grpcServer.GracefulStop()
	_ = quicLis.Close()
	if shutdownGossip != nil {
		_ = shutdownGossip()
	}
	return nil
}

// peerDirectory maps a PeerID to the network address it is reachable
// at. Membership discovery sits outside this core; operators populate
// peers.json directly (or a future membership daemon writes it).
type peerDirectory struct {
	addrs map[string]string
}

func loadPeerDirectory(path string) (*peerDirectory, error) {
	d := &peerDirectory{addrs: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &d.addrs); err != nil {
		return nil, fmt.Errorf("peers.json: %w", err)
	}
	return d, nil
}

func (d *peerDirectory) addrOf(p urn.PeerID) string {
	if addr, ok := d.addrs[p.String()]; ok {
		return addr
	}
	return p.String()
}
