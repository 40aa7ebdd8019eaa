//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/daemon"
	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/infra"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
	"github.com/eliteGoblin/focusd/app_limit/internal/usecase"
	"github.com/eliteGoblin/focusd/app_limit/test/fixtures"
)

const (
	hostPackage = "com.example.smartmanagementapp"
	gamePackage = "com.example.game"
)

// engine runs a watcher against a fake host and a real preference store.
type engine struct {
	host    *fixtures.FakeHost
	prefs   domain.PrefStore
	watcher *daemon.Watcher
	cancel  context.CancelFunc
	done    chan error
}

func startEngine(prefs domain.PrefStore, sink domain.LifecycleSink) *engine {
	logger := zap.NewNop()
	host := fixtures.NewFakeHost()
	guard := policy.NewGuard(policy.GuardConfig{
		HostPackage:      hostPackage,
		SelfPackage:      "io.github.elitegoblin.applimit",
		SystemPrefixes:   policy.DefaultSystemPrefixes,
		SystemSubstrings: policy.DefaultSystemSubstrings,
	}, logger)

	cfg := daemon.DefaultWatcherConfig()
	cfg.Monitor.TickInterval = 50 * time.Millisecond
	cfg.Monitor.FreshReadBudget = 200 * time.Millisecond
	cfg.Presenter.PollInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond

	if sink == nil {
		sink = infra.NewLogSink(logger)
	}

	w := daemon.NewWatcher(cfg, daemon.WatcherDeps{
		Guard:      guard,
		Prefs:      prefs,
		Policies:   policy.NewPrefsPolicyStore(prefs, policy.DefaultPolicyKey, logger),
		Oracle:     host,
		Foreground: host,
		Probe:      infra.NewProbeChain(logger, host),
		Liveness:   infra.NewLivenessChain(logger, infra.NewForegroundMatch(host), host),
		Surface:    host,
		Sink:       sink,
		Snapshots:  usage.NewSnapshotStore(prefs, "", "", logger),
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{host: host, prefs: prefs, watcher: w, cancel: cancel, done: make(chan error, 1)}
	go func() { e.done <- w.Run(ctx) }()

	Eventually(func() bool {
		_, ok, _ := daemon.ReadStatus(prefs, daemon.DefaultStatusKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond).Should(BeTrue(), "daemon writes its first heartbeat")
	return e
}

func (e *engine) stop() {
	e.cancel()
	Eventually(e.done, 5*time.Second).Should(Receive())
}

func (e *engine) view() usecase.MonitorView {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := e.watcher.View(ctx)
	Expect(err).NotTo(HaveOccurred())
	return v
}

func limitPolicy(pkg string, minutes int) string {
	return fmt.Sprintf(`{"packageName":%q,"timeLimit":%d,"isBlocked":true}`, pkg, minutes)
}

var _ = Describe("Enforcement engine", func() {
	var (
		tmpDir string
		prefs  *infra.FilePrefs
		e      *engine
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "applimit-integration-*")
		Expect(err).NotTo(HaveOccurred())
		prefs = infra.NewFilePrefs(tmpDir, zap.NewNop())
	})

	AfterEach(func() {
		if e != nil {
			e.stop()
			e = nil
		}
		os.RemoveAll(tmpDir)
	})

	Describe("daily limit", func() {
		BeforeEach(func() {
			Expect(prefs.Set(policy.DefaultPolicyKey, "["+limitPolicy(gamePackage, 10)+"]")).To(Succeed())
			e = startEngine(prefs, nil)
		})

		Context("when the app crosses its limit while in the foreground", func() {
			It("should block within one tick with the used minutes", func() {
				e.host.SetUsage(gamePackage, 9*time.Minute+59*time.Second)
				e.host.Bring(gamePackage)

				Consistently(e.host.Shown, 300*time.Millisecond, 25*time.Millisecond).Should(BeEmpty())

				e.host.SetUsage(gamePackage, 10*time.Minute+time.Second)
				Eventually(e.host.Shown, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))

				session := e.host.Shown()[0]
				Expect(session.PackageID).To(Equal(gamePackage))
				Expect(session.UsedMinutesAtBlock).To(Equal(10))
				Expect(session.LimitMinutes).To(Equal(10))
			})
		})

		Context("when the blocked app is closed", func() {
			It("should tear the block screen down once and unblock", func() {
				e.host.SetUsage(gamePackage, 30*time.Minute)
				e.host.Bring(gamePackage)
				Eventually(e.host.Shown, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))

				e.host.Leave(gamePackage)
				Eventually(e.host.Hidden, 2*time.Second, 10*time.Millisecond).Should(Equal([]string{gamePackage}))
				Eventually(func() *domain.BlockSession { return e.view().ActiveBlock }, time.Second, 10*time.Millisecond).Should(BeNil())

				Consistently(e.host.Hidden, 300*time.Millisecond, 25*time.Millisecond).Should(HaveLen(1))
				Expect(e.host.Shown()).To(HaveLen(1))
			})
		})

		Context("when the user acknowledges the block screen", func() {
			It("should go home and not re-block until the app returns", func() {
				e.host.SetUsage(gamePackage, 30*time.Minute)
				e.host.Bring(gamePackage)
				Eventually(e.host.Shown, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))

				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				Expect(e.watcher.Acknowledge(ctx)).To(Succeed())
				Expect(e.host.HomeCount()).To(Equal(1))
				Consistently(e.host.Shown, 300*time.Millisecond, 25*time.Millisecond).Should(HaveLen(1))

				e.host.Bring(gamePackage)
				Eventually(e.host.Shown, 2*time.Second, 10*time.Millisecond).Should(HaveLen(2))
			})
		})

		Context("when the usage oracle loses permission", func() {
			It("should not block an app it cannot verify", func() {
				e.host.SetOracleError(fmt.Errorf("usage access revoked: %w", domain.ErrPermissionDenied))
				e.host.SetUsage(gamePackage, 30*time.Minute)
				e.host.Bring(gamePackage)

				Consistently(e.host.Shown, 400*time.Millisecond, 25*time.Millisecond).Should(BeEmpty())
			})
		})

		It("should persist today's usage for the host app", func() {
			e.host.SetUsage(gamePackage, 4*time.Minute)
			Eventually(func() []domain.UsageRecord {
				raw, _, _ := prefs.Get(usage.DefaultUsageKey)
				records, _ := usage.DecodeSnapshot(raw, zap.NewNop())
				return records
			}, 2*time.Second, 20*time.Millisecond).Should(ContainElement(domain.UsageRecord{
				PackageID:       gamePackage,
				UsedMillisToday: (4 * time.Minute).Milliseconds(),
			}))

			day, _, _ := prefs.Get(usage.DefaultUsageDayKey)
			Expect(day).To(Equal(time.Now().Format(usage.DayKeyLayout)))
		})
	})

	Describe("host protection", func() {
		It("should never block the host app, even with a forged policy", func() {
			forged := "[" + limitPolicy(hostPackage, 1) + "," + limitPolicy(gamePackage, 60) + "]"
			Expect(prefs.Set(policy.DefaultPolicyKey, forged)).To(Succeed())
			e = startEngine(prefs, nil)

			e.host.SetUsage(hostPackage, 8*time.Hour)
			e.host.Bring(hostPackage)

			Consistently(e.host.Shown, 400*time.Millisecond, 25*time.Millisecond).Should(BeEmpty())
			v := e.view()
			Expect(v.Policies).NotTo(HaveKey(hostPackage))
			Expect(v.Policies).To(HaveLen(1))
		})
	})

	Describe("policy edits", func() {
		It("should pick up a new limit without a restart", func() {
			e = startEngine(prefs, nil)
			e.host.SetUsage(gamePackage, 20*time.Minute)
			e.host.Bring(gamePackage)
			Consistently(e.host.Shown, 200*time.Millisecond, 25*time.Millisecond).Should(BeEmpty())

			// Written by the host app, delivered by the file watcher
			Expect(prefs.Set(policy.DefaultPolicyKey, "["+limitPolicy(gamePackage, 15)+"]")).To(Succeed())
			Eventually(e.host.Shown, 3*time.Second, 10*time.Millisecond).Should(HaveLen(1))
		})
	})
})

var _ = Describe("Encrypted backend", func() {
	var (
		tmpDir string
		store  *infra.EncryptedPrefs
		e      *engine
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "applimit-encrypted-*")
		Expect(err).NotTo(HaveOccurred())

		key, err := infra.EnsureKey(infra.NewFileKeyProvider(tmpDir))
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewEncryptedPrefs(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if e != nil {
			e.stop()
			e = nil
		}
		store.Close()
		os.RemoveAll(tmpDir)
	})

	It("should journal block and unblock events", func() {
		Expect(store.Set(policy.DefaultPolicyKey, "["+limitPolicy(gamePackage, 5)+"]")).To(Succeed())
		e = startEngine(store, infra.NewFanoutSink(infra.NewLogSink(zap.NewNop()), store))

		e.host.SetUsage(gamePackage, 6*time.Minute)
		e.host.Bring(gamePackage)
		Eventually(e.host.Shown, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))

		e.host.Leave(gamePackage)
		Eventually(func() []domain.LifecycleKind {
			events, err := store.Journal(10)
			Expect(err).NotTo(HaveOccurred())
			kinds := make([]domain.LifecycleKind, 0, len(events))
			for _, ev := range events {
				kinds = append(kinds, ev.Kind)
			}
			return kinds
		}, 2*time.Second, 20*time.Millisecond).Should(Equal([]domain.LifecycleKind{
			domain.LifecycleBlocked,
			domain.LifecycleUnblocked,
		}))
	})
})
