package plans

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

type sent struct {
	UserID int64
	Kind   string
}

type fakeNotifier struct{ sent []sent }

func (n *fakeNotifier) Send(userID int64, kind, _, _ string, _ map[string]string) {
	n.sent = append(n.sent, sent{userID, kind})
}

type fakeAwarder struct{ actions []string }

func (a *fakeAwarder) TryAward(_ int64, action, _, _ string) *cms.Delta {
	a.actions = append(a.actions, action)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events map[int64][]string
}

func (p *fakePublisher) Publish(userID int64, event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[int64][]string{}
	}
	p.events[userID] = append(p.events[userID], event)
}

type fixture struct {
	s         *Service
	db        *database.DB
	clk       *clock.Manual
	notifier  *fakeNotifier
	awarder   *fakeAwarder
	publisher *fakePublisher
	host      *database.UserRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, clk := databasetest.New(t)
	f := &fixture{db: db, clk: clk, notifier: &fakeNotifier{}, awarder: &fakeAwarder{}, publisher: &fakePublisher{}}
	f.host = databasetest.CreateUser(t, db, "host", nil)
	f.s = NewService(db, airports.NewStore(airports.Embedded()), clk, f.notifier, f.awarder, f.publisher)
	return f
}

func (f *fixture) create(t *testing.T, in CreateInput) *database.Plan {
	t.Helper()
	if in.Title == "" {
		in.Title = "Dinner"
	}
	if in.AirportCode == "" {
		in.AirportCode = "LHR"
	}
	if in.StartAt.IsZero() {
		in.StartAt = f.clk.Now().Add(3 * time.Hour)
	}
	p, err := f.s.Create(f.host.ID, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func ptr[T any](v T) *T { return &v }

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	start := now.Add(2 * time.Hour)

	tests := []struct {
		field string
		in    CreateInput
	}{
		{"title", CreateInput{Title: "Hi", AirportCode: "LHR", StartAt: start}},
		{"airport_code", CreateInput{Title: "Dinner", AirportCode: "ZZZ", StartAt: start}},
		{"start_at", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: now.Add(-time.Minute)}},
		{"start_at", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: now.Add(61 * 24 * time.Hour)}},
		{"end_at", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, EndAt: ptr(start)}},
		{"capacity", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Capacity: ptr(1)}},
		{"visibility", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Visibility: "secret"}},
		{"stops[0].name", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Stops: []StopInput{{Name: " "}}}},
		{"stops[0].spot_id", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Stops: []StopInput{{Name: "A", SpotID: ptr(int64(42))}}}},
		{"stops[0].at", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Stops: []StopInput{{Name: "A", At: ptr(now)}}}},
		{"stops[1].at", CreateInput{Title: "Dinner", AirportCode: "LHR", StartAt: start, Stops: []StopInput{
			{Name: "A", At: ptr(start.Add(time.Hour))}, {Name: "B", At: ptr(start.Add(30 * time.Minute))}}}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			_, err := f.s.Create(f.host.ID, tt.in)
			var verr *validate.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestCreate_HostAttendsAndEarnsPoints(t *testing.T) {
	f := newFixture(t)
	start := f.clk.Now().Add(time.Hour)
	p := f.create(t, CreateInput{StartAt: start, Stops: []StopInput{
		{Name: "Pub", At: ptr(start)},
		{Name: "Curry", At: ptr(start.Add(2 * time.Hour))},
	}})

	d, err := f.s.Get(f.host.ID, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Attending || d.AttendeeCount != 1 || len(d.Stops) != 2 || d.Stops[1].Position != 2 {
		t.Fatalf("unexpected plan %+v", d)
	}
	if diff := cmp.Diff([]string{cms.ActionPlanHosted}, f.awarder.actions); diff != "" {
		t.Fatalf("awards (-want +got):\n%s", diff)
	}
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	friend := databasetest.CreateUser(t, f.db, "friend", nil)
	stranger := databasetest.CreateUser(t, f.db, "stranger", nil)
	invitee := databasetest.CreateUser(t, f.db, "invitee", nil)

	req, _, err := f.db.OpenConnectionRequest(f.host.ID, friend.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.AcceptConnectionRequest(req.ID); err != nil {
		t.Fatal(err)
	}

	conn := f.create(t, CreateInput{Visibility: database.VisibilityConnections})
	inv := f.create(t, CreateInput{Visibility: database.VisibilityInviteOnly})
	if _, err := f.s.Invite(f.host.ID, inv.ID, []int64{invitee.ID}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		viewer  int64
		plan    int64
		visible bool
	}{
		{"friend sees connections plan", friend.ID, conn.ID, true},
		{"stranger cannot see connections plan", stranger.ID, conn.ID, false},
		{"invitee sees invite-only plan", invitee.ID, inv.ID, true},
		{"friend cannot see invite-only plan", friend.ID, inv.ID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.s.Get(tt.viewer, tt.plan)
			if tt.visible && err != nil {
				t.Fatalf("expected visible, got %v", err)
			}
			if !tt.visible && !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}

	if _, err := f.s.Join(stranger.ID, inv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stranger joined invite-only plan: %v", err)
	}
}

func TestJoinLeave(t *testing.T) {
	f := newFixture(t)
	a := databasetest.CreateUser(t, f.db, "a", nil)
	b := databasetest.CreateUser(t, f.db, "b", nil)
	p := f.create(t, CreateInput{Capacity: ptr(2)})
	f.awarder.actions = nil

	if _, err := f.s.Join(a.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.Join(a.ID, p.ID); err != nil {
		t.Fatalf("second join should be a no-op: %v", err)
	}
	if _, err := f.s.Join(b.ID, p.ID); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if diff := cmp.Diff([]string{cms.ActionPlanJoined}, f.awarder.actions); diff != "" {
		t.Fatalf("awards (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]sent{{f.host.ID, notification.KindPlanJoined}}, f.notifier.sent); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
	if got := f.publisher.events[f.host.ID]; len(got) != 1 || got[0] != RealtimePlanUpdated {
		t.Fatalf("host realtime events = %v", got)
	}

	if err := f.s.Leave(f.host.ID, p.ID); !errors.Is(err, ErrHostCannotLeave) {
		t.Fatalf("expected ErrHostCannotLeave, got %v", err)
	}
	if err := f.s.Leave(a.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.Join(b.ID, p.ID); err != nil {
		t.Fatalf("seat should be free: %v", err)
	}

	f.clk.Add(4 * time.Hour)
	if _, err := f.s.Join(a.ID, p.ID); !errors.Is(err, ErrStarted) {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
	got, err := f.s.Join(b.ID, p.ID)
	if err != nil || got.ID != p.ID {
		t.Fatalf("attendee rejoining a started plan = %+v, %v", got, err)
	}
}

func TestJoin_BlockedByHost(t *testing.T) {
	f := newFixture(t)
	u := databasetest.CreateUser(t, f.db, "blocked", nil)
	p := f.create(t, CreateInput{})
	if err := f.db.Block(f.host.ID, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.Join(u.ID, p.ID); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestInviteAndCancel(t *testing.T) {
	f := newFixture(t)
	a := databasetest.CreateUser(t, f.db, "a", nil)
	b := databasetest.CreateUser(t, f.db, "b", nil)
	blocked := databasetest.CreateUser(t, f.db, "c", nil)
	if err := f.db.Block(blocked.ID, f.host.ID); err != nil {
		t.Fatal(err)
	}
	p := f.create(t, CreateInput{})
	if _, err := f.s.Join(a.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	f.notifier.sent = nil

	if _, err := f.s.Invite(a.ID, p.ID, []int64{b.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	many := make([]int64, 21)
	if _, err := f.s.Invite(f.host.ID, p.ID, many); err == nil {
		t.Fatal("expected limit error")
	}

	added, err := f.s.Invite(f.host.ID, p.ID, []int64{a.ID, b.ID, b.ID, blocked.ID, 9999})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{b.ID}, added); diff != "" {
		t.Fatalf("invited (-want +got):\n%s", diff)
	}
	added, err = f.s.Invite(f.host.ID, p.ID, []int64{b.ID})
	if err != nil || len(added) != 0 {
		t.Fatalf("re-invite: %v, %v", added, err)
	}

	if err := f.s.Cancel(a.ID, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.s.Cancel(f.host.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.s.Cancel(f.host.ID, p.ID); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, err := f.s.Join(b.ID, p.ID); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled on join, got %v", err)
	}
	if _, err := f.s.Join(a.ID, p.ID); err != nil {
		t.Fatalf("attendee rejoining a cancelled plan: %v", err)
	}

	want := []sent{{b.ID, notification.KindPlanInvite}, {a.ID, notification.KindPlanCancelled}}
	if diff := cmp.Diff(want, f.notifier.sent); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestListUpcomingAndMyPlans(t *testing.T) {
	f := newFixture(t)
	viewer := databasetest.CreateUser(t, f.db, "viewer", nil)
	later := f.create(t, CreateInput{Title: "Later", StartAt: f.clk.Now().Add(5 * time.Hour)})
	sooner := f.create(t, CreateInput{Title: "Sooner", StartAt: f.clk.Now().Add(2 * time.Hour)})
	f.create(t, CreateInput{Title: "Paris", AirportCode: "CDG"})
	f.create(t, CreateInput{Title: "Private", Visibility: database.VisibilityInviteOnly})

	list, err := f.s.ListUpcoming(viewer.ID, "LGW", 10)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]int64{sooner.ID, later.ID}, ids); diff != "" {
		t.Fatalf("upcoming (-want +got):\n%s", diff)
	}

	if _, err := f.s.Join(viewer.ID, later.ID); err != nil {
		t.Fatal(err)
	}
	mine, err := f.s.MyPlans(viewer.ID)
	if err != nil || len(mine) != 1 || mine[0].ID != later.ID {
		t.Fatalf("MyPlans = %v, %v", mine, err)
	}
}

func TestSendReminders_OncePerPlan(t *testing.T) {
	f := newFixture(t)
	a := databasetest.CreateUser(t, f.db, "a", nil)
	soon := f.create(t, CreateInput{StartAt: f.clk.Now().Add(90 * time.Minute)})
	f.create(t, CreateInput{StartAt: f.clk.Now().Add(5 * time.Hour)})
	if _, err := f.s.Join(a.ID, soon.ID); err != nil {
		t.Fatal(err)
	}
	f.notifier.sent = nil

	n, err := f.s.SendReminders()
	if err != nil || n != 0 {
		t.Fatalf("nothing due yet: %d, %v", n, err)
	}

	f.clk.Add(35 * time.Minute)
	n, err = f.s.SendReminders()
	if err != nil || n != 1 {
		t.Fatalf("SendReminders = %d, %v", n, err)
	}
	n, err = f.s.SendReminders()
	if err != nil || n != 0 {
		t.Fatalf("second run = %d, %v", n, err)
	}

	want := []sent{{f.host.ID, notification.KindPlanReminder}, {a.ID, notification.KindPlanReminder}}
	if diff := cmp.Diff(want, f.notifier.sent); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
