package cms

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/database/databasetest"
)

type sentNotification struct {
	userID int64
	kind   string
}

type recordingNotifier struct {
	sent []sentNotification
}

func (n *recordingNotifier) Send(userID int64, kind, _, _ string, _ map[string]string) {
	n.sent = append(n.sent, sentNotification{userID, kind})
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		points int
		want   int
	}{
		{0, 1}, {49, 1}, {50, 2}, {149, 2}, {150, 3}, {400, 4}, {799, 4}, {800, 5}, {1500, 6}, {2999, 6}, {3000, 7}, {99999, 7},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.points).Number; got != tt.want {
			t.Errorf("LevelFor(%d) = %d, want %d", tt.points, got, tt.want)
		}
	}
}

func TestEvaluate_Badges(t *testing.T) {
	stats := database.CMSStats{
		Points:        200,
		ActionCounts:  map[string]int{ActionCheckin: 6, ActionReview: 5, ActionPlanJoined: 9, ActionSpotApproved: 3},
		CheckinCities: 5,
	}
	level, earned := Evaluate(stats)
	if level != 3 {
		t.Fatalf("expected level 3, got %d", level)
	}
	if diff := cmp.Diff([]string{"first_checkin", "explorer", "critic", "scout"}, earned); diff != "" {
		t.Fatalf("unexpected badges (-want +got):\n%s", diff)
	}
}

func TestAward_IdempotentWithLevelUpAndBadges(t *testing.T) {
	db, _ := databasetest.New(t)
	u := databasetest.CreateUser(t, db, "alice", nil)
	notifier := &recordingNotifier{}
	s := NewService(db, notifier, nil)

	d, err := s.AwardInCity(u.ID, ActionCheckin, "spot:1:London:2025-06-01", "London")
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	want := &Delta{Action: ActionCheckin, Awarded: 10, PointsBefore: 0, PointsAfter: 10, LevelBefore: 1, LevelAfter: 1, NewBadges: []string{"first_checkin"}}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("unexpected delta (-want +got):\n%s", diff)
	}

	again, err := s.AwardInCity(u.ID, ActionCheckin, "spot:1:London:2025-06-01", "London")
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if !again.Duplicate || again.Awarded != 0 || again.PointsAfter != 10 {
		t.Fatalf("expected duplicate award, got %+v", again)
	}

	d, err = s.Award(u.ID, ActionReferral, "user:99")
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if !d.LeveledUp() || d.LevelAfter != 2 || d.PointsAfter != 60 {
		t.Fatalf("expected level up to 2 with 60 points, got %+v", d)
	}

	wantSent := []sentNotification{{u.ID, "badge_earned"}, {u.ID, "level_up"}}
	if diff := cmp.Diff(wantSent, notifier.sent, cmp.AllowUnexported(sentNotification{})); diff != "" {
		t.Fatalf("unexpected notifications (-want +got):\n%s", diff)
	}

	if _, err := s.Award(u.ID, "teleport", "x"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestAward_ExplorerAcrossCities(t *testing.T) {
	db, _ := databasetest.New(t)
	u := databasetest.CreateUser(t, db, "alice", nil)
	s := NewService(db, nil, nil)

	cities := []string{"London", "Paris", "Tokyo", "Lima", "Dubai"}
	var last *Delta
	for i, city := range cities {
		d, err := s.AwardInCity(u.ID, ActionCheckin, fmt.Sprintf("spot:%d:%s:2025-06-01", i, city), city)
		if err != nil {
			t.Fatalf("Award: %v", err)
		}
		last = d
	}
	if diff := cmp.Diff([]string{"explorer"}, last.NewBadges); diff != "" {
		t.Fatalf("expected explorer on fifth city (-want +got):\n%s", diff)
	}

	sum, err := s.Summary(u.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Points != 50 || sum.Level.Number != 2 || sum.NextLevel == nil || sum.NextLevel.Number != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.PointsToNext != 100 || sum.Progress != 0 {
		t.Fatalf("expected 100 to next level and 0 progress, got %d / %v", sum.PointsToNext, sum.Progress)
	}
	if len(sum.Badges) != 2 || sum.CitiesCheckedIn != 5 {
		t.Fatalf("expected 2 badges and 5 cities, got %d / %d", len(sum.Badges), sum.CitiesCheckedIn)
	}

	history, err := s.History(u.ID, 0)
	if err != nil || len(history) != 5 {
		t.Fatalf("expected 5 history rows, got %d (%v)", len(history), err)
	}
}
