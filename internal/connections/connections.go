// Package connections manages requests, connections and blocks between crew.
package connections

import (
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/validate"
)

// RealtimeConnectionRequest is published to the recipient of a new request.
const RealtimeConnectionRequest = "connection_request"

var (
	ErrSelf             = errors.New("you cannot connect with yourself")
	ErrUserNotFound     = errors.New("user not found")
	ErrBlocked          = errors.New("you cannot connect with this user")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAlreadyRequested = errors.New("request already pending")
	ErrRequestNotFound  = errors.New("request not found")
	ErrNotPending       = errors.New("request has already been answered")
	ErrNotConnected     = errors.New("not connected")
)

// Notifier delivers in-app notifications.
type Notifier interface {
	Send(userID int64, kind, title, body string, data map[string]string)
}

// Entry is a connection with the other user's card.
type Entry struct {
	User  database.UserSummary `json:"user"`
	Since time.Time            `json:"since"`
}

// RequestView is a request with the other party's card.
type RequestView struct {
	*database.ConnectionRequest
	User database.UserSummary `json:"user"`
}

// PendingRequests splits pending requests by direction.
type PendingRequests struct {
	Incoming []RequestView `json:"incoming"`
	Outgoing []RequestView `json:"outgoing"`
}

// RequestResult tells the caller whether a request was created or an
// existing reverse request was accepted instead.
type RequestResult struct {
	Request   *database.ConnectionRequest `json:"request"`
	Connected bool                        `json:"connected"`
}

// Service manages connections.
type Service struct {
	db        *database.DB
	notifier  Notifier
	publisher notification.Publisher
}

// NewService creates a connection service. notifier and publisher may be nil.
func NewService(db *database.DB, notifier Notifier, publisher notification.Publisher) *Service {
	return &Service{db: db, notifier: notifier, publisher: publisher}
}

// Request asks toID to connect. If toID already asked fromID, their request
// is accepted instead.
func (s *Service) Request(fromID, toID int64, message string) (*RequestResult, error) {
	if fromID == toID {
		return nil, ErrSelf
	}
	message, err := validate.MaxLength("message", message, 200)
	if err != nil {
		return nil, err
	}
	target, err := s.db.GetUserByID(toID)
	if err != nil {
		return nil, err
	}
	if target == nil || target.Banned {
		return nil, ErrUserNotFound
	}
	blocked, err := s.db.IsBlockedEither(fromID, toID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlocked
	}
	req, outcome, err := s.db.OpenConnectionRequest(fromID, toID, message)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case database.RequestAlreadyConnected:
		return nil, ErrAlreadyConnected
	case database.RequestAlreadyPending:
		return nil, ErrAlreadyRequested
	case database.RequestMatched:
		log.Info().Int64("a", req.FromID).Int64("b", req.ToID).Msg("Connection accepted")
		s.notifyAccepted(req)
		return &RequestResult{Request: req, Connected: true}, nil
	}
	log.Debug().Int64("from", fromID).Int64("to", toID).Msg("Connection requested")

	if s.notifier != nil {
		s.notifier.Send(toID, notification.KindConnectionRequest, "New connection request",
			s.displayName(fromID)+" wants to connect", map[string]string{"request_id": strconv.FormatInt(req.ID, 10)})
	}
	if s.publisher != nil {
		s.publisher.Publish(toID, RealtimeConnectionRequest, req)
	}
	return &RequestResult{Request: req}, nil
}

func (s *Service) recipientRequest(userID, requestID int64) (*database.ConnectionRequest, error) {
	req, err := s.db.GetConnectionRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req == nil || req.ToID != userID {
		return nil, ErrRequestNotFound
	}
	if req.Status != database.RequestPending {
		return nil, ErrNotPending
	}
	return req, nil
}

// Accept accepts a request addressed to userID.
func (s *Service) Accept(userID, requestID int64) (*database.ConnectionRequest, error) {
	req, err := s.recipientRequest(userID, requestID)
	if err != nil {
		return nil, err
	}
	return s.accept(req)
}

func (s *Service) accept(req *database.ConnectionRequest) (*database.ConnectionRequest, error) {
	ok, err := s.db.AcceptConnectionRequest(req.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPending
	}
	log.Info().Int64("a", req.FromID).Int64("b", req.ToID).Msg("Connection accepted")
	s.notifyAccepted(req)
	return s.db.GetConnectionRequest(req.ID)
}

func (s *Service) notifyAccepted(req *database.ConnectionRequest) {
	if s.notifier != nil {
		s.notifier.Send(req.FromID, notification.KindConnectionAccepted, "Connection accepted",
			s.displayName(req.ToID)+" accepted your request", map[string]string{"user_id": strconv.FormatInt(req.ToID, 10)})
	}
}

// Decline declines a request addressed to userID.
func (s *Service) Decline(userID, requestID int64) error {
	req, err := s.recipientRequest(userID, requestID)
	if err != nil {
		return err
	}
	ok, err := s.db.DeclineConnectionRequest(req.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// Remove deletes the connection between userID and otherID.
func (s *Service) Remove(userID, otherID int64) error {
	ok, err := s.db.DeleteConnection(userID, otherID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

// List returns the user's connections, newest first.
func (s *Service) List(userID int64) ([]Entry, error) {
	conns, err := s.db.ListConnections(userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(conns))
	for i, c := range conns {
		ids[i] = c.UserID
	}
	users, err := s.db.GetUserSummaries(ids)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(conns))
	for _, c := range conns {
		if u, ok := users[c.UserID]; ok {
			out = append(out, Entry{User: u, Since: c.CreatedAt})
		}
	}
	return out, nil
}

// Pending returns the user's incoming and outgoing pending requests.
func (s *Service) Pending(userID int64) (*PendingRequests, error) {
	incoming, outgoing, err := s.db.ListPendingRequests(userID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range incoming {
		ids = append(ids, r.FromID)
	}
	for _, r := range outgoing {
		ids = append(ids, r.ToID)
	}
	users, err := s.db.GetUserSummaries(ids)
	if err != nil {
		return nil, err
	}

	out := &PendingRequests{Incoming: []RequestView{}, Outgoing: []RequestView{}}
	for _, r := range incoming {
		out.Incoming = append(out.Incoming, RequestView{ConnectionRequest: r, User: users[r.FromID]})
	}
	for _, r := range outgoing {
		out.Outgoing = append(out.Outgoing, RequestView{ConnectionRequest: r, User: users[r.ToID]})
	}
	return out, nil
}

// Block blocks otherID, dropping any connection and pending requests.
func (s *Service) Block(userID, otherID int64) error {
	if userID == otherID {
		return ErrSelf
	}
	u, err := s.db.GetUserByID(otherID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	if err := s.db.Block(userID, otherID); err != nil {
		return err
	}
	log.Info().Int64("blocker", userID).Int64("blocked", otherID).Msg("User blocked")
	return nil
}

// Unblock lifts a block. It is not an error if none existed.
func (s *Service) Unblock(userID, otherID int64) error {
	_, err := s.db.Unblock(userID, otherID)
	return err
}

// AreConnected reports whether two users are connected.
func (s *Service) AreConnected(a, b int64) (bool, error) {
	return s.db.AreConnected(a, b)
}

func (s *Service) displayName(userID int64) string {
	users, err := s.db.GetUserSummaries([]int64{userID})
	if err == nil {
		if u, ok := users[userID]; ok {
			return u.DisplayName
		}
	}
	return "Someone"
}
