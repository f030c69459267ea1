package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stagecrew/roster/internal/config"
	"github.com/stagecrew/roster/internal/fingerprint"
	"github.com/stagecrew/roster/internal/geoip"
	"github.com/stagecrew/roster/internal/importer"
	"github.com/stagecrew/roster/internal/pool"
	"github.com/stagecrew/roster/internal/profile"
	"github.com/stagecrew/roster/internal/proxycheck"
	"github.com/stagecrew/roster/internal/scanloop"
	"github.com/stagecrew/roster/internal/session"
	"github.com/stagecrew/roster/internal/store"
)

func main() {
	importPath := flag.String("import", "", "import a YAML inventory file and exit")
	checkout := flag.Bool("checkout", false, "assemble one profile, print its session context, and exit")
	flag.Parse()

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(envCfg.StateDir, store.Options{
		ClaimTTL: envCfg.ClaimTTL,
		StatsTTL: envCfg.StatsCacheTTL,
	})
	if err != nil {
		fatal(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	geo := geoip.NewService()
	defer geo.Close()
	if envCfg.GeoIPDBPath != "" {
		if err := geo.Load(envCfg.GeoIPDBPath); err != nil {
			log.Printf("[main] geoip database unavailable, countries left blank: %v", err)
		}
	}

	switch {
	case *importPath != "":
		res, err := importer.New(st, geo).ImportFile(*importPath)
		if err != nil {
			fatal(err)
		}
		log.Printf("[main] import complete: %d rows inserted", res.Total())
	case *checkout:
		if err := runCheckout(st, envCfg); err != nil {
			fatal(err)
		}
	default:
		runDaemon(st, envCfg)
	}
}

// runCheckout assembles one full profile and prints the session context it
// would launch with. The claims it takes are real and expire after the claim
// TTL unless an outcome is reported by the consuming system.
func runCheckout(st *store.Store, envCfg *config.EnvConfig) error {
	asm := buildAssembler(st, envCfg)

	p, err := asm.GetFullProfile(profile.Request{})
	if err != nil {
		return err
	}
	ctx := session.NewBuilder(fingerprint.New()).Build(p, session.Options{Headless: envCfg.Headless})

	out := struct {
		Profile *profile.Profile `json:"profile"`
		Context session.Context  `json:"context"`
	}{p, ctx}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func buildAssembler(st *store.Store, envCfg *config.EnvConfig) *profile.Assembler {
	events := &pool.Notifier{}
	events.Subscribe(func(ev pool.Event) {
		log.Printf("[pool] %s %s id=%d session=%s %s", ev.Kind, ev.Type, ev.ResourceID, ev.SessionID, ev.Detail)
	})

	accounts := pool.NewAccountProvider(st.Accounts(), events)
	cards := pool.NewCardProvider(st.Cards(), events)
	proxies := pool.NewProxyProvider(st.Proxies(), events, pool.ProxyProviderConfig{
		MaxFailsBeforeRotate: envCfg.ProxyRotateThreshold,
		MaxFailsBeforeDead:   envCfg.ProxyDeadThreshold,
		Sticky:               envCfg.ProxySticky,
	})
	mailboxes := pool.NewMailboxProvider(st.Mailboxes(), events)

	return profile.New(accounts, cards, proxies, mailboxes, st.Cards(), st.Proxies())
}

// runDaemon keeps the pools healthy: the claim watchdog re-offers resources
// whose holders vanished, cards past expiry get swept, proxies get probed,
// and terminal rows age out on schedule.
func runDaemon(st *store.Store, envCfg *config.EnvConfig) {
	runner := scanloop.NewRunner()
	runner.Go(scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
		n, err := st.ExpireStaleClaims(time.Now())
		if err != nil {
			log.Printf("[main] expire stale claims: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[main] expired %d stale claims", n)
		}
	})
	runner.Go(scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
		n, err := st.Cards().ExpireCards(time.Now())
		if err != nil {
			log.Printf("[main] expire cards: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[main] expired %d cards", n)
		}
	})

	prober := proxycheck.New(proxycheck.Config{
		Repo:          st.Proxies(),
		Concurrency:   envCfg.ProbeConcurrency,
		Timeout:       envCfg.ProbeTimeout,
		BatchSize:     envCfg.ProbeBatchSize,
		ProbeURL:      envCfg.ProbeURL,
		DeadThreshold: envCfg.ProxyDeadThreshold,
	})
	prober.Start(envCfg.ProbeInterval, envCfg.ProbeInterval/4)

	sched := cron.New()
	if _, err := sched.AddFunc(envCfg.CleanupSchedule, func() {
		n, err := st.Cleanup(envCfg.CleanupRetention, nil)
		if err != nil {
			log.Printf("[main] cleanup: %v", err)
			return
		}
		log.Printf("[main] cleanup removed %d rows", n)
	}); err != nil {
		fatal(fmt.Errorf("cleanup schedule: %w", err))
	}
	sched.Start()

	log.Printf("roster started, state dir %s", envCfg.StateDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	sched.Stop()
	prober.Stop()
	runner.Stop()
	log.Println("roster stopped")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	os.Exit(1)
}
