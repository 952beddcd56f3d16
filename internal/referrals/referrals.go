// Package referrals walks the referral graph and ranks referrers.
package referrals

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/validate"
)

// MaxDepth is the deepest level walked.
const MaxDepth = 5

// leaderboardWorkers bounds concurrent network-size walks.
const leaderboardWorkers = 4

var ErrNotFound = errors.New("referral code not found")

// Node is one user in a referral tree.
type Node struct {
	User       database.UserSummary `json:"user"`
	Depth      int                  `json:"depth"`
	ReferrerID int64                `json:"referrer_id"`
	Verified   bool                 `json:"verified"`
	JoinedAt   time.Time            `json:"joined_at"`
}

// Stats summarises a user's referral network.
type Stats struct {
	Direct         int         `json:"direct"`
	VerifiedDirect int         `json:"verified_direct"`
	NetworkSize    int         `json:"network_size"`
	ByDepth        map[int]int `json:"by_depth"`
}

// LeaderboardEntry is one ranked referrer.
type LeaderboardEntry struct {
	Rank        int                  `json:"rank"`
	User        database.UserSummary `json:"user"`
	Direct      int                  `json:"direct"`
	NetworkSize int                  `json:"network_size"`
}

// Service answers referral queries.
type Service struct {
	db *database.DB
}

func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// walk runs a breadth-first traversal below root, one query per level.
func (s *Service) walk(root int64, maxDepth int) ([]database.ReferralNode, []int, error) {
	visited := map[int64]bool{root: true}
	frontier := []int64{root}
	var nodes []database.ReferralNode
	var depths []int

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		level, err := s.db.ListReferredBy(frontier)
		if err != nil {
			return nil, nil, err
		}
		frontier = frontier[:0:0]
		for _, n := range level {
			if visited[n.UserID] {
				continue
			}
			visited[n.UserID] = true
			nodes = append(nodes, n)
			depths = append(depths, depth)
			frontier = append(frontier, n.UserID)
		}
	}
	return nodes, depths, nil
}

// Tree returns the user's referral tree ordered by depth then join time.
func (s *Service) Tree(userID int64, maxDepth int) ([]Node, error) {
	maxDepth = validate.Clamp(maxDepth, 3, 1, MaxDepth)
	raw, depths, err := s.walk(userID, maxDepth)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(raw))
	for i, n := range raw {
		ids[i] = n.UserID
	}
	users, err := s.db.GetUserSummaries(ids)
	if err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(raw))
	for i, n := range raw {
		out = append(out, Node{
			User:       users[n.UserID],
			Depth:      depths[i],
			ReferrerID: n.ReferredBy,
			Verified:   n.Verified,
			JoinedAt:   n.CreatedAt,
		})
	}
	return out, nil
}

// Stats returns counts for the user's network down to MaxDepth.
func (s *Service) Stats(userID int64) (*Stats, error) {
	raw, depths, err := s.walk(userID, MaxDepth)
	if err != nil {
		return nil, err
	}
	st := &Stats{ByDepth: map[int]int{}, NetworkSize: len(raw)}
	for i, n := range raw {
		st.ByDepth[depths[i]]++
		if depths[i] == 1 {
			st.Direct++
			if n.Verified {
				st.VerifiedDirect++
			}
		}
	}
	return st, nil
}

// Leaderboard ranks users by direct referrals, then network size, then
// earlier sign-up. Users without referrals are left out.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	limit = validate.Clamp(limit, 20, 1, 100)

	counts, err := s.db.ListReferrerCounts()
	if err != nil {
		return nil, err
	}

	sizes := make([]int, len(counts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(leaderboardWorkers)
	for i, c := range counts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			nodes, _, err := s.walk(c.UserID, MaxDepth)
			if err != nil {
				return err
			}
			sizes[i] = len(nodes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := counts[order[a]], counts[order[b]]
		if ca.Direct != cb.Direct {
			return ca.Direct > cb.Direct
		}
		if sizes[order[a]] != sizes[order[b]] {
			return sizes[order[a]] > sizes[order[b]]
		}
		if !ca.CreatedAt.Equal(cb.CreatedAt) {
			return ca.CreatedAt.Before(cb.CreatedAt)
		}
		return ca.UserID < cb.UserID
	})
	if len(order) > limit {
		order = order[:limit]
	}

	ids := make([]int64, len(order))
	for i, idx := range order {
		ids[i] = counts[idx].UserID
	}
	users, err := s.db.GetUserSummaries(ids)
	if err != nil {
		return nil, err
	}

	out := make([]LeaderboardEntry, 0, len(order))
	for i, idx := range order {
		out = append(out, LeaderboardEntry{
			Rank:        i + 1,
			User:        users[counts[idx].UserID],
			Direct:      counts[idx].Direct,
			NetworkSize: sizes[idx],
		})
	}
	return out, nil
}

// ByCode resolves a referral code to the referrer's public card.
func (s *Service) ByCode(code string) (*database.UserSummary, error) {
	u, err := s.db.GetUserByReferralCode(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, err
	}
	if u == nil || u.Banned {
		return nil, ErrNotFound
	}
	return &database.UserSummary{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Airline:     u.Airline,
		Role:        u.Role,
		PhotoURL:    u.PhotoURL,
		CMSLevel:    u.CMSLevel,
	}, nil
}
