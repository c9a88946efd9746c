package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/params"
	"github.com/uhyunpark/cloakbook/pkg/api"
	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
	"github.com/uhyunpark/cloakbook/pkg/app/intake"
	"github.com/uhyunpark/cloakbook/pkg/attest"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
	"github.com/uhyunpark/cloakbook/pkg/events"
	"github.com/uhyunpark/cloakbook/pkg/ledger"
	"github.com/uhyunpark/cloakbook/pkg/metrics"
	"github.com/uhyunpark/cloakbook/pkg/p2p"
	"github.com/uhyunpark/cloakbook/pkg/storage"
	"github.com/uhyunpark/cloakbook/pkg/tee"
	"github.com/uhyunpark/cloakbook/pkg/util"
	"github.com/uhyunpark/cloakbook/pkg/venue"
)

// nodeStore is what both storage backends provide.
type nodeStore interface {
	batch.Store
	api.History
	attest.Store
}

func main() {
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var store nodeStore
	if cfg.Node.DataDir != "" {
		ps, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
		if err != nil {
			sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
		}
		defer ps.Close()
		store = ps
	} else {
		store = storage.NewMemStore()
	}
	var wal batch.WAL = storage.NewNopWAL()
	if cfg.Node.WALFile != "" {
		fw, err := storage.NewFileWAL(cfg.Node.WALFile)
		if err != nil {
			sugar.Fatalw("wal_open_failed", "path", cfg.Node.WALFile, "err", err)
		}
		defer fw.Close()
		wal = fw
	}

	// ---- External collaborators (empty URL = not configured) ----
	var settler settlement.DirectSettler
	if cfg.Endpoints.LedgerURL != "" {
		lc, err := ledger.Dial(ctx, cfg.Endpoints.LedgerURL, cfg.Endpoints.RPCTimeout, sugar)
		if err != nil {
			sugar.Fatalw("ledger_dial_failed", "err", err)
		}
		defer lc.Close()
		settler = lc
	} else {
		sugar.Warnw("ledger_not_configured", "effect", "internal matches stay unsettled")
	}

	var (
		liquidator batch.Liquidator
		mopts      = []matcher.Option{matcher.WithHistorySize(cfg.Batch.HistorySize)}
	)
	if cfg.Endpoints.VenueURL != "" {
		vc, err := venue.Dial(ctx, cfg.Endpoints.VenueURL, cfg.Settlement.QuoteTimeout, cfg.Settlement.SubmitTimeout, sugar)
		if err != nil {
			sugar.Fatalw("venue_dial_failed", "err", err)
		}
		defer vc.Close()
		liquidator = settlement.NewBridge(settlementConfig(cfg.Settlement), vc, util.RealClock{}, sugar)
		mopts = append(mopts, matcher.WithOracle(vc, cfg.Settlement.QuoteTimeout))
	} else {
		sugar.Warnw("venue_not_configured", "effect", "residual sells stay on the book")
	}

	var (
		dec        intake.Decryptor
		sealingKey *crypto.SealingKey
	)
	if cfg.Endpoints.TEEURL != "" {
		tc, err := tee.Dial(ctx, cfg.Endpoints.TEEURL, sugar)
		if err != nil {
			sugar.Fatalw("tee_dial_failed", "err", err)
		}
		defer tc.Close()
		dec = tc
	} else {
		if cfg.Intake.SealingKey != "" {
			sealingKey, err = crypto.SealingKeyFromHex(cfg.Intake.SealingKey)
		} else {
			sealingKey, err = crypto.GenerateSealingKey()
		}
		if err != nil {
			sugar.Fatalw("sealing_key_failed", "err", err)
		}
		dec = intake.NewECIESDecryptor(sealingKey)
		sugar.Infow("local_decryption", "sealing_key", sealingKey.PublicKeyHex())
	}

	// ---- Engine ----
	book := orderbook.NewOrderBook()
	m := matcher.New(book, sugar, mopts...)
	engine := batch.NewEngine(batch.Config{Window: cfg.Batch.Window, MaxOrders: cfg.Batch.MaxOrders},
		book, m, settler, liquidator, util.RealClock{}, sugar)
	engine.Store = store
	engine.WAL = wal

	// ---- Sinks ----
	collector := metrics.NewCollector()
	collector.WatchEngine(engine)

	signer, err := attest.NewSigner(cfg.Attest.Scheme, cfg.Attest.Key)
	if err != nil {
		sugar.Fatalw("attest_signer_failed", "err", err)
	}
	recorder := attest.NewRecorder(signer, store, util.RealClock{}, sugar, cfg.Attest.Buffer)
	sugar.Infow("attestation_signer", "scheme", signer.Scheme(), "id", signer.PublicID())

	// ---- Intake ----
	domain := crypto.DefaultDomain()
	app, err := intake.NewApp(intakeConfig(cfg.Intake), engine, domain, dec, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("intake_init_failed", "err", err)
	}
	app.OnReject = collector.IntakeRejected

	// ---- API ----
	apiOpts := api.Options{
		Engine:         engine,
		Intake:         app,
		History:        store,
		Attestations:   recorder,
		Metrics:        collector.Handler(),
		AllowedOrigins: cfg.Node.AllowedOrigins,
		VenueID:        cfg.Intake.VenueID,
		Logger:         sugar,
	}
	if sealingKey != nil {
		apiOpts.SealingKey = sealingKey.PublicKeyHex()
	}
	apiServer := api.NewServer(apiOpts)

	engine.Notifiers = []batch.Notifier{collector, recorder, apiServer.Hub()}
	recorder.AddPublisher(apiServer.Hub())

	// ---- Publishers ----
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Events.KafkaBrokers,
			Topic:   cfg.Events.KafkaTopic,
		}, sugar)
		if err != nil {
			sugar.Fatalw("kafka_init_failed", "err", err)
		}
		defer kp.Close()
		recorder.AddPublisher(kp)
	}

	if cfg.P2P.Enabled {
		g, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer g.Close()
		g.SetRecentSource(recorder.Recent)
		g.SetHandler(func(a *attest.Attestation, from peer.ID) {
			sugar.Debugw("peer_attestation", "from", from.String(), "kind", a.Kind, "signer", a.Signer)
		})
		recorder.AddPublisher(g)
		for _, pid := range g.Host().Network().Peers() {
			as, err := g.FetchRecent(ctx, pid, 32)
			if err != nil {
				sugar.Warnw("peer_sync_failed", "peer", pid.String(), "err", err)
				continue
			}
			sugar.Infow("peer_synced", "peer", pid.String(), "attestations", len(as))
		}
	}

	// ---- Run ----
	if err := engine.Start(ctx); err != nil {
		sugar.Fatalw("engine_start_failed", "err", err)
	}
	// the recorder outlives ctx so the last resolution is still attested
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	go recorder.Run(recCtx)
	go app.Run(ctx)

	if cfg.Node.Feeder {
		if sealingKey == nil {
			sugar.Warnw("feeder_disabled", "reason", "no local sealing key")
		} else {
			fcfg := intake.DefaultFeederConfig()
			fcfg.Interval = cfg.Node.FeederInterval
			fcfg.VenueID = cfg.Intake.VenueID
			gen, err := intake.NewGenerator(fcfg, domain, sealingKey.PublicKey())
			if err != nil {
				sugar.Fatalw("feeder_init_failed", "err", err)
			}
			cancelFeeder := intake.StartFeeder(ctx, app, gen, sugar)
			defer cancelFeeder()
		}
	}

	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	sugar.Infow("node_started",
		"batch_window", cfg.Batch.Window,
		"max_orders", cfg.Batch.MaxOrders,
		"venue_id", cfg.Intake.VenueID,
		"persistent", cfg.Node.DataDir != "")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			engine.Stop()
			stopRecorder()
			<-recorder.Done()
			sugar.Infow("node_stopped", "attestations_dropped", recorder.Dropped())
			return
		case <-ticker.C:
			st := engine.GetState()
			c := engine.OrderCounts()
			sugar.Infow("engine_status",
				"batch_id", st.BatchID,
				"status", st.Status.String(),
				"bids", c.Bids,
				"asks", c.Asks,
				"pending", c.Pending,
				"queued", app.QueueLen())
		}
	}
}

func settlementConfig(s params.Settlement) settlement.Config {
	return settlement.Config{
		MinTradeSize:   s.MinTradeSize,
		MaxSlippageBps: s.MaxSlippageBps,
		DepthMarginBps: s.DepthMarginBps,
		CheckDepth:     s.CheckDepth,
		BaseAsset:      s.BaseAsset,
		QuoteAsset:     s.QuoteAsset,
		PoolID:         s.PoolID,
		QuoteTimeout:   s.QuoteTimeout,
		SubmitTimeout:  s.SubmitTimeout,
	}
}

func intakeConfig(in params.Intake) intake.Config {
	return intake.Config{
		DrainInterval:        in.DrainInterval,
		DrainBatch:           in.DrainBatch,
		InboxCapacity:        in.InboxCapacity,
		PendingRetryInterval: in.PendingRetryInterval,
		MaxDecryptAttempts:   in.MaxDecryptAttempts,
		DecryptTimeout:       in.DecryptTimeout,
		DedupeSize:           in.DedupeSize,
		VenueID:              in.VenueID,
	}
}
