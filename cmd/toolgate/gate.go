package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/capability"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
	"github.com/toolgate-dev/toolgate/pkg/executor"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/rules"
	"github.com/toolgate-dev/toolgate/pkg/snapshot"
)

// Data directory layout.
const (
	snapshotDBFile = "toolgate.db"
	blobDirName    = "blobs"
	ruleDBFile     = "rules.db"
	journalFile    = "session.journal"
)

// gate is the assembled mediation stack for one process: rule state,
// confirmation broker, snapshot store, and the executor over them.
type gate struct {
	cfg       *api.Config
	log       *rules.Log
	store     *rules.Store
	journal   *rules.Journal
	broker    *confirm.Broker
	snapshots *snapshot.Manager
	router    *capability.Router
	executor  *executor.Executor
}

// openGate builds the full stack under cfg's data directory. The rule
// log is seeded from the config file, then the SQLite store, then the
// session journal, so a restarted session reconstructs its policy
// state.
func openGate(cfg *api.Config) (*gate, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errx.Wrap(ErrCreateDataDir, err)
	}

	g := &gate{cfg: cfg, broker: confirm.NewBroker()}

	retain := 0
	if cfg.Snapshots != nil {
		retain = cfg.Snapshots.RetainPerPath
	}
	snaps, err := snapshot.Open(snapshot.Options{
		DBPath:  filepath.Join(dataDir, snapshotDBFile),
		BlobDir: filepath.Join(dataDir, blobDirName),
		Retain:  retain,
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenSnapshots, err)
	}
	g.snapshots = snaps

	store, err := rules.OpenStore(filepath.Join(dataDir, ruleDBFile))
	if err != nil {
		g.Close()
		return nil, errx.Wrap(ErrOpenRuleStore, err)
	}
	g.store = store

	if err := g.seedRules(dataDir); err != nil {
		g.Close()
		return nil, err
	}

	journal, err := rules.OpenJournal(filepath.Join(dataDir, journalFile))
	if err != nil {
		g.Close()
		return nil, errx.Wrap(ErrOpenJournal, err)
	}
	g.journal = journal

	router, err := loadRouter(cfg)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.router = router

	ex, err := executor.New(executor.Options{
		Config:    cfg,
		Router:    router,
		Rules:     g.log,
		Broker:    g.broker,
		Snapshots: snaps,
		Store:     store,
		Journal:   journal,
	})
	if err != nil {
		g.Close()
		return nil, errx.Wrap(ErrBuildExecutor, err)
	}
	g.executor = ex

	return g, nil
}

// seedRules feeds the rule log from its three sources in order: config
// file rules, persisted store rules, then the session journal replay.
func (g *gate) seedRules(dataDir string) error {
	g.log = rules.NewLog()

	configured, err := configRules()
	if err != nil {
		return err
	}
	for _, r := range configured {
		if _, err := g.log.Append(rules.OriginConfig, r); err != nil {
			return errx.Wrap(ErrSeedRules, err)
		}
	}

	persisted, err := g.store.List()
	if err != nil {
		return errx.Wrap(ErrListRules, err)
	}
	for _, r := range persisted {
		if _, err := g.log.Append(rules.OriginStore, r); err != nil {
			return errx.Wrap(ErrSeedRules, err)
		}
	}

	if _, err := rules.ReplayJournal(filepath.Join(dataDir, journalFile), g.log); err != nil {
		return errx.Wrap(ErrReplaySession, err)
	}
	return nil
}

func (g *gate) Close() error {
	var errs []error
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.snapshots != nil {
		if err := g.snapshots.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadRouter loads agent capabilities from the configured file. Without
// one, unattributed calls (empty agent id) carry full capabilities;
// declaring a file makes every identity explicit and fail-closed.
func loadRouter(cfg *api.Config) (*capability.Router, error) {
	if cfg.AgentsFile != "" {
		return capability.LoadFile(cfg.AgentsFile)
	}
	return capability.New(map[string][]string{"": {"*"}})
}

// configRules parses the rules section of the config file:
//
//	rules:
//	  - kind: allow
//	    pattern: "shell:git *"
//	  - kind: deny
//	    pattern: "shell:rm *"
//	    scope: "/home/**"
func configRules() ([]policy.Rule, error) {
	raw := viper.Get("rules")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errx.With(ErrLoadConfig, ": rules must be a list")
	}

	out := make([]policy.Rule, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errx.With(ErrLoadConfig, ": rule %d must be a mapping", i)
		}
		out = append(out, policy.Rule{
			Kind:    policy.Kind(stringAt(m, "kind")),
			Pattern: stringAt(m, "pattern"),
			Scope:   stringAt(m, "scope"),
		})
	}
	return out, nil
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
