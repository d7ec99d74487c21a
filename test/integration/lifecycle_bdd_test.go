//go:build integration

package integration

import (
	"crypto/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/agent"
	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/planner"
	"github.com/mksalih/salahguard/internal/registrar"
	"github.com/mksalih/salahguard/internal/session"
	"github.com/mksalih/salahguard/internal/state"
	"github.com/mksalih/salahguard/internal/store"
)

// fakeEnforcer records restriction calls instead of touching processes.
type fakeEnforcer struct {
	active  []string
	applies int
	clears  int
}

func (f *fakeEnforcer) Apply(tokens []string) error {
	f.active = append([]string(nil), tokens...)
	f.applies++
	return nil
}

func (f *fakeEnforcer) Clear() error {
	f.active = nil
	f.clears++
	return nil
}

// fakeSelection serves a mutable in-memory app selection.
type fakeSelection struct {
	tokens []string
}

func (f *fakeSelection) CurrentSelection() ([]string, error) {
	return f.tokens, nil
}

// fakeNotifier counts notifications.
type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Notify(title, body string) error {
	f.sent = append(f.sent, title)
	return nil
}

// fakeMonitor records host registrations.
type fakeMonitor struct {
	registered map[string]domain.Window
}

func (f *fakeMonitor) Register(w domain.Window, warnBeforeStart, warnBeforeEnd time.Duration) error {
	f.registered[w.ID] = w
	return nil
}

func (f *fakeMonitor) Unregister(windowID string) error {
	delete(f.registered, windowID)
	return nil
}

var _ = Describe("Blocking Lifecycle", func() {
	var (
		st       *store.Store
		enforcer *fakeEnforcer
		sel      *fakeSelection
		notifier *fakeNotifier
		monitor  *fakeMonitor
		ag       *agent.Agent
		sessions *session.Service
		clock    time.Time
		settings domain.Settings
	)

	now := func() time.Time { return clock }

	BeforeEach(func() {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		Expect(err).NotTo(HaveOccurred())

		st, err = store.Open(GinkgoT().TempDir(), key)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { st.Close() })

		enforcer = &fakeEnforcer{}
		sel = &fakeSelection{tokens: []string{"Steam", "discord"}}
		notifier = &fakeNotifier{}
		monitor = &fakeMonitor{registered: map[string]domain.Window{}}

		clock = time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC)
		settings = domain.Settings{
			Enabled: map[domain.PrayerName]bool{
				domain.PrayerFajr: true, domain.PrayerDhuhr: true,
				domain.PrayerAsr: true, domain.PrayerMaghrib: true, domain.PrayerIsha: true,
			},
			WindowDuration:      15 * time.Minute,
			Mode:                domain.ModeNormal,
			UnlockAfterFraction: 0.5,
		}
		Expect(state.SaveSettings(st, settings)).To(Succeed())
		Expect(state.SetMode(st, settings.Mode)).To(Succeed())

		ag = agent.New(st, enforcer, sel, notifier, zap.NewNop()).WithClock(now)
		sessions = session.NewService(st).WithClock(now)
	})

	// plan computes and persists windows for the given occurrences and
	// reconciles host registrations, like one daemon re-plan pass.
	plan := func(occurrences []domain.Occurrence) []domain.Window {
		windows := planner.New().Plan(clock, occurrences, settings)
		Expect(state.SavePlan(st, windows)).To(Succeed())
		reg := registrar.New(monitor, st, 5*time.Minute, 2*time.Minute, zap.NewNop())
		Expect(reg.Reconcile(clock, windows)).To(Succeed())
		return windows
	}

	currentSession := func() domain.BlockingSession {
		s, err := sessions.Current()
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	Describe("a normal-mode window", func() {
		It("blocks from start to end and then clears", func() {
			windows := plan([]domain.Occurrence{
				{Prayer: domain.PrayerFajr, At: clock.Add(time.Hour)},
			})
			Expect(windows).To(HaveLen(1))
			Expect(monitor.registered).To(HaveKey(windows[0].ID))

			By("counting down before the window")
			Expect(currentSession().Phase).To(Equal(domain.PhaseScheduled))

			By("applying restrictions at the start callback")
			clock = windows[0].StartsAt
			ag.Handle(agent.EventStart, windows[0].ID)
			Expect(enforcer.active).To(Equal([]string{"Steam", "discord"}))

			s := currentSession()
			Expect(s.Phase).To(Equal(domain.PhaseActive))
			Expect(s.IsBlocking).To(BeTrue())
			Expect(s.TimeRemaining).To(Equal(15 * time.Minute))

			By("clearing restrictions at the end callback")
			clock = windows[0].EndsAt()
			ag.Handle(agent.EventEnd, windows[0].ID)
			Expect(enforcer.active).To(BeEmpty())
			Expect(currentSession().IsBlocking).To(BeFalse())
		})

		It("offers early unlock only in the second half, once", func() {
			windows := plan([]domain.Occurrence{
				{Prayer: domain.PrayerDhuhr, At: clock.Add(time.Hour)},
			})
			clock = windows[0].StartsAt
			ag.Handle(agent.EventStart, windows[0].ID)

			By("hiding unlock before the threshold")
			clock = clock.Add(5 * time.Minute)
			Expect(currentSession().EarlyUnlockAvailable).To(BeFalse())
			done, err := ag.EarlyUnlock()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeFalse())
			Expect(currentSession().IsBlocking).To(BeTrue())

			By("granting unlock past the threshold")
			clock = clock.Add(5 * time.Minute)
			Expect(currentSession().EarlyUnlockAvailable).To(BeTrue())
			done, err = ag.EarlyUnlock()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(enforcer.active).To(BeEmpty())
			Expect(currentSession().IsBlocking).To(BeFalse())

			By("refusing a second unlock for the same occurrence")
			done, err = ag.EarlyUnlock()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeFalse())
		})
	})

	Describe("a strict-mode window", func() {
		BeforeEach(func() {
			settings.Mode = domain.ModeStrict
			Expect(state.SaveSettings(st, settings)).To(Succeed())
			Expect(state.SetMode(st, domain.ModeStrict)).To(Succeed())
		})

		It("holds restrictions past the end until confirmation", func() {
			windows := plan([]domain.Occurrence{
				{Prayer: domain.PrayerMaghrib, At: clock.Add(time.Hour)},
			})
			clock = windows[0].StartsAt
			ag.Handle(agent.EventStart, windows[0].ID)

			By("still blocking well past the window end")
			clock = windows[0].EndsAt()
			ag.Handle(agent.EventEnd, windows[0].ID)
			clock = clock.Add(30 * time.Minute)

			s := currentSession()
			Expect(s.Phase).To(Equal(domain.PhaseAwaitingConfirmation))
			Expect(s.IsBlocking).To(BeTrue())
			Expect(s.IsWaitingConfirmation).To(BeTrue())
			Expect(enforcer.active).NotTo(BeEmpty())

			By("clearing on confirmation")
			done, err := ag.Confirm()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(enforcer.active).To(BeEmpty())
			Expect(currentSession().IsBlocking).To(BeFalse())
		})
	})

	Describe("a window with nothing selected", func() {
		It("blocks nothing and surfaces a warning", func() {
			sel.tokens = nil
			windows := plan([]domain.Occurrence{
				{Prayer: domain.PrayerIsha, At: clock.Add(time.Hour)},
			})
			clock = windows[0].StartsAt
			ag.Handle(agent.EventStart, windows[0].ID)

			Expect(enforcer.applies).To(BeZero())
			Expect(currentSession().IsBlocking).To(BeFalse())
			Expect(notifier.sent).To(HaveLen(1))

			warning, err := state.GetNoSelectionWarning(st)
			Expect(err).NotTo(HaveOccurred())
			Expect(warning).NotTo(BeNil())
			Expect(warning.WindowID).To(Equal(windows[0].ID))
		})
	})

	Describe("a daemon restart mid-window", func() {
		It("recovers the active session from the store alone", func() {
			windows := plan([]domain.Occurrence{
				{Prayer: domain.PrayerAsr, At: clock.Add(time.Hour)},
			})
			clock = windows[0].StartsAt
			ag.Handle(agent.EventStart, windows[0].ID)

			// A fresh session service with no shared memory sees the same
			// blocking state.
			restarted := session.NewService(st).WithClock(now)
			clock = clock.Add(3 * time.Minute)
			s, err := restarted.Current()
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Phase).To(Equal(domain.PhaseActive))
			Expect(s.IsBlocking).To(BeTrue())
			Expect(s.TimeRemaining).To(Equal(12 * time.Minute))

			// The sweep inputs survive too.
			tokens, err := state.AppliedTokens(st)
			Expect(err).NotTo(HaveOccurred())
			Expect(tokens).To(Equal([]string{"Steam", "discord"}))
		})
	})
})
