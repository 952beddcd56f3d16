package moderation

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

type fakeNotifier struct{ kinds []string }

func (n *fakeNotifier) NotifyAdmins(_ notification.EventType, kind, _, _ string, _ map[string]string) {
	n.kinds = append(n.kinds, kind)
}

type published struct {
	UserID int64
	Count  int
}

type fakePublisher struct{ events []published }

func (p *fakePublisher) Publish(userID int64, event string, payload any) {
	if event == RealtimeReportsPending {
		p.events = append(p.events, published{userID, payload.(map[string]int)["count"]})
	}
}

type fakeQueue struct{ alerts []notification.EventType }

func (q *fakeQueue) Notify(notification.Event) {}

func (q *fakeQueue) NotifyAdmins(t notification.EventType, _, _ string, _ map[string]string) {
	q.alerts = append(q.alerts, t)
}

type fixture struct {
	s         *Service
	db        *database.DB
	notifier  *fakeNotifier
	publisher *fakePublisher
	queue     *fakeQueue
	admin     *database.UserRecord
	user      *database.UserRecord
	other     *database.UserRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, _ := databasetest.New(t)
	f := &fixture{db: db, notifier: &fakeNotifier{}, publisher: &fakePublisher{}, queue: &fakeQueue{}}
	f.admin = databasetest.CreateUser(t, db, "admin", nil)
	f.user = databasetest.CreateUser(t, db, "alice", nil)
	f.other = databasetest.CreateUser(t, db, "bob", nil)
	f.s = NewService(db, f.notifier, f.publisher, f.queue)
	return f
}

func TestReport_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.Report(f.user.ID, ReportInput{TargetType: "comment", TargetID: 1, Reason: "spam"})
	var verr *validate.ValidationError
	if !errors.As(err, &verr) || verr.Field != "target_type" {
		t.Fatalf("expected target_type error, got %v", err)
	}
	if _, err := f.s.Report(f.user.ID, ReportInput{TargetType: TargetUser, TargetID: f.user.ID, Reason: "spam"}); !errors.Is(err, ErrReportSelf) {
		t.Fatalf("expected ErrReportSelf, got %v", err)
	}
	if _, err := f.s.Report(f.user.ID, ReportInput{TargetType: TargetSpot, TargetID: 77, Reason: "fake"}); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
}

func TestReportResolveFlow(t *testing.T) {
	f := newFixture(t)
	in := ReportInput{TargetType: TargetUser, TargetID: f.other.ID, Reason: "harassment", Details: "rude"}

	r, err := f.s.Report(f.user.ID, in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.Report(f.user.ID, in); !errors.Is(err, ErrAlreadyReported) {
		t.Fatalf("expected ErrAlreadyReported, got %v", err)
	}
	if n, _ := f.s.PendingCount(); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	if _, err := f.s.Resolve(f.user.ID, r.ID, database.ReportDismissed, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, err := f.s.Resolve(f.admin.ID, r.ID, database.ReportActioned, "warned")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != database.ReportActioned || got.ResolutionNote != "warned" || got.ResolvedBy == nil {
		t.Fatalf("unexpected report %+v", got)
	}
	if _, err := f.s.Resolve(f.admin.ID, r.ID, database.ReportDismissed, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	open, err := f.s.List(database.ReportOpen, 10, 0)
	if err != nil || len(open) != 0 {
		t.Fatalf("open reports = %v, %v", open, err)
	}

	if diff := cmp.Diff([]string{notification.KindReportFiled}, f.notifier.kinds); diff != "" {
		t.Fatalf("admin notifications (-want +got):\n%s", diff)
	}
	want := []published{{f.admin.ID, 1}, {f.admin.ID, 0}}
	if diff := cmp.Diff(want, f.publisher.events); diff != "" {
		t.Fatalf("pending broadcasts (-want +got):\n%s", diff)
	}
}

func TestBanUser_RevokesSessions(t *testing.T) {
	f := newFixture(t)
	if _, err := f.db.CreateSession("s1", f.other.ID, databasetest.Epoch.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := f.s.BanUser(f.admin.ID, f.admin.ID); !errors.Is(err, ErrSelfAction) {
		t.Fatalf("expected ErrSelfAction, got %v", err)
	}
	if err := f.s.BanUser(f.user.ID, f.other.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.s.BanUser(f.admin.ID, f.other.ID); err != nil {
		t.Fatal(err)
	}

	sess, err := f.db.GetSession("s1")
	if err != nil || sess != nil {
		t.Fatalf("session survived ban: %v, %v", sess, err)
	}
	u, _ := f.db.GetUserByID(f.other.ID)
	if !u.Banned {
		t.Fatal("user not banned")
	}
	if diff := cmp.Diff([]notification.EventType{notification.EventUserBanned}, f.queue.alerts); diff != "" {
		t.Fatalf("alerts (-want +got):\n%s", diff)
	}

	if err := f.s.UnbanUser(f.admin.ID, f.other.ID); err != nil {
		t.Fatal(err)
	}
	u, _ = f.db.GetUserByID(f.other.ID)
	if u.Banned {
		t.Fatal("user still banned")
	}
}

func TestSetAdmin(t *testing.T) {
	f := newFixture(t)
	if err := f.s.SetAdmin(f.admin.ID, f.admin.ID, false); !errors.Is(err, ErrSelfAction) {
		t.Fatalf("expected ErrSelfAction, got %v", err)
	}
	if err := f.s.SetAdmin(f.admin.ID, f.user.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := f.s.SetAdmin(f.user.ID, f.admin.ID, false); err != nil {
		t.Fatalf("new admin should be able to demote another admin: %v", err)
	}
	u, _ := f.db.GetUserByID(f.admin.ID)
	if u.IsAdmin {
		t.Fatal("demotion did not stick")
	}
}

func TestRepairOrphans_DryRun(t *testing.T) {
	f := newFixture(t)
	counts, err := f.s.RepairOrphans(true)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total() != 0 {
		t.Fatalf("fresh database has orphans: %v", counts)
	}
	if _, ok := counts["sessions"]; !ok {
		t.Fatal("sessions category missing from report")
	}
}
