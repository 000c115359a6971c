// Package gateway exposes exam sessions to host pages: unary connect RPCs for
// commands and a websocket stream for notifications.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/mcdev12/examengine/go/internal/integrity"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/session"
	"github.com/rs/zerolog/log"
)

const ExamSessionServiceName = "exam.v1.ExamSessionService"

const (
	BootstrapProcedure             = "/exam.v1.ExamSessionService/Bootstrap"
	SubmitAnswerProcedure          = "/exam.v1.ExamSessionService/SubmitAnswer"
	SubmitCurrentQuestionProcedure = "/exam.v1.ExamSessionService/SubmitCurrentQuestion"
	ReportFocusProcedure           = "/exam.v1.ExamSessionService/ReportFocus"
	ReportRouteChangeProcedure     = "/exam.v1.ExamSessionService/ReportRouteChange"
	EnterReviewProcedure           = "/exam.v1.ExamSessionService/EnterReview"
	ExitReviewProcedure            = "/exam.v1.ExamSessionService/ExitReview"
	ViewReviewQuestionProcedure    = "/exam.v1.ExamSessionService/ViewReviewQuestion"
	GetViewProcedure               = "/exam.v1.ExamSessionService/GetView"
	CloseSessionProcedure          = "/exam.v1.ExamSessionService/CloseSession"
)

type BootstrapRequest struct {
	ModuleID string `json:"module_id"`
	UserID   string `json:"user_id"`
	TabID    string `json:"tab_id,omitempty"`
	Elevated bool   `json:"elevated,omitempty"`
	// ServerTime is when the page was rendered. It only corrects small clock
	// skew; deadlines are judged on the engine's clock.
	ServerTime *time.Time `json:"server_time,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type SubmitAnswerRequest struct {
	SessionID  string             `json:"session_id"`
	QuestionID string             `json:"question_id"`
	Answer     models.AnswerValue `json:"answer"`
}

type ReportFocusRequest struct {
	SessionID string           `json:"session_id"`
	Signal    integrity.Signal `json:"signal"`
}

type ViewReviewQuestionRequest struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
}

type ViewResponse struct {
	View session.View `json:"view"`
}

type ReviewQuestionResponse struct {
	Item session.ReviewItem `json:"item"`
	View session.View       `json:"view"`
}

// Opener builds sessions. *session.Bootstrapper satisfies it.
type Opener interface {
	Bootstrap(ctx context.Context, moduleID, userID string, opts session.Options) (*session.Session, error)
}

// Middleware wraps one RPC route. *metrics.Metrics.Middleware fits.
type Middleware func(endpoint string, next http.Handler) http.Handler

type Service struct {
	opener   Opener
	sessions *Registry
	streams  *ConnectionManager
}

func NewService(opener Opener, sessions *Registry, streams *ConnectionManager) *Service {
	return &Service{opener: opener, sessions: sessions, streams: streams}
}

func (s *Service) Bootstrap(ctx context.Context, req *connect.Request[BootstrapRequest]) (*connect.Response[ViewResponse], error) {
	msg := req.Msg
	if strings.TrimSpace(msg.ModuleID) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("module_id is required"))
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("user_id is required"))
	}

	opts := session.Options{TabID: msg.TabID, Elevated: msg.Elevated}
	if msg.ServerTime != nil {
		opts.ServerTime = *msg.ServerTime
	}
	sess, err := s.opener.Bootstrap(ctx, msg.ModuleID, msg.UserID, opts)
	if err != nil {
		log.Error().Err(err).Str("module_id", msg.ModuleID).Str("user_id", msg.UserID).Msg("bootstrap failed")
		return nil, toConnectError(err)
	}

	s.sessions.Add(sess)
	if s.streams != nil {
		s.streams.Follow(sess)
	}
	return connect.NewResponse(&ViewResponse{View: sess.View()}), nil
}

func (s *Service) SubmitAnswer(ctx context.Context, req *connect.Request[SubmitAnswerRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, func(sess *session.Session) error {
		return sess.SubmitAnswer(req.Msg.QuestionID, req.Msg.Answer)
	})
}

func (s *Service) SubmitCurrentQuestion(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, (*session.Session).SubmitCurrentQuestion)
}

func (s *Service) ReportFocus(ctx context.Context, req *connect.Request[ReportFocusRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, func(sess *session.Session) error {
		return sess.FocusLost(req.Msg.Signal)
	})
}

func (s *Service) ReportRouteChange(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, (*session.Session).RouteChanged)
}

func (s *Service) EnterReview(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, (*session.Session).EnterReview)
}

func (s *Service) ExitReview(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, (*session.Session).ExitReview)
}

func (s *Service) GetView(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	return s.withSession(req.Msg.SessionID, nil)
}

func (s *Service) ViewReviewQuestion(ctx context.Context, req *connect.Request[ViewReviewQuestionRequest]) (*connect.Response[ReviewQuestionResponse], error) {
	sess, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	item, err := sess.ViewReviewQuestion(req.Msg.QuestionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ReviewQuestionResponse{Item: item, View: sess.View()}), nil
}

// CloseSession stops the session and disconnects its stream clients. The
// returned view is the last one the session produced.
func (s *Service) CloseSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ViewResponse], error) {
	sess, err := s.sessions.Remove(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	sess.Close()
	if s.streams != nil {
		s.streams.Disconnect(sess.ID())
	}
	return connect.NewResponse(&ViewResponse{View: sess.View()}), nil
}

func (s *Service) withSession(id string, fn func(*session.Session) error) (*connect.Response[ViewResponse], error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, toConnectError(err)
	}
	if fn != nil {
		if err := fn(sess); err != nil {
			return nil, toConnectError(err)
		}
	}
	return connect.NewResponse(&ViewResponse{View: sess.View()}), nil
}

// Shutdown closes every registered session.
func (s *Service) Shutdown() {
	s.sessions.CloseAll()
}

// RegisterRoutes mounts every procedure on mux. wrap may be nil.
func (s *Service) RegisterRoutes(mux *http.ServeMux, wrap Middleware, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(loggingInterceptor()),
	}, opts...)

	routes := map[string]http.Handler{
		BootstrapProcedure:             connect.NewUnaryHandler(BootstrapProcedure, s.Bootstrap, opts...),
		SubmitAnswerProcedure:          connect.NewUnaryHandler(SubmitAnswerProcedure, s.SubmitAnswer, opts...),
		SubmitCurrentQuestionProcedure: connect.NewUnaryHandler(SubmitCurrentQuestionProcedure, s.SubmitCurrentQuestion, opts...),
		ReportFocusProcedure:           connect.NewUnaryHandler(ReportFocusProcedure, s.ReportFocus, opts...),
		ReportRouteChangeProcedure:     connect.NewUnaryHandler(ReportRouteChangeProcedure, s.ReportRouteChange, opts...),
		EnterReviewProcedure:           connect.NewUnaryHandler(EnterReviewProcedure, s.EnterReview, opts...),
		ExitReviewProcedure:            connect.NewUnaryHandler(ExitReviewProcedure, s.ExitReview, opts...),
		ViewReviewQuestionProcedure:    connect.NewUnaryHandler(ViewReviewQuestionProcedure, s.ViewReviewQuestion, opts...),
		GetViewProcedure:               connect.NewUnaryHandler(GetViewProcedure, s.GetView, opts...),
		CloseSessionProcedure:          connect.NewUnaryHandler(CloseSessionProcedure, s.CloseSession, opts...),
	}
	for path, h := range routes {
		if wrap != nil {
			h = wrap(strings.TrimPrefix(path, "/"+ExamSessionServiceName+"/"), h)
		}
		mux.Handle(path, h)
	}
}

func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			ev := log.Debug()
			if err != nil && connect.CodeOf(err) == connect.CodeInternal {
				ev = log.Error().Err(err)
			}
			ev.Str("procedure", req.Spec().Procedure).
				Dur("duration", time.Since(start)).
				Msg("rpc handled")
			return res, err
		}
	}
}
