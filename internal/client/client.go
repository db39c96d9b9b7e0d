package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/danmuck/remoterc/internal/project"
	"github.com/danmuck/remoterc/internal/protocol/frame"
	"github.com/danmuck/remoterc/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrServerURLRequired = errors.New("client: server url required")
	ErrBuildFailed       = errors.New("client: remote build failed")
	ErrNoResult          = errors.New("client: connection ended without a result")
	ErrResponseTimeout   = errors.New("client: timed out waiting for result")
)

const buildMessageID = 1

type Config struct {
	ServerURL  string
	ProjectDir string
	// OutputDir receives the unpacked executables. Empty means ProjectDir.
	OutputDir  string
	Exclusions []string
	// Target is the cross-compilation triple. Empty leaves the choice to the server.
	Target  string
	Release bool
	// ConnectAttempts bounds dial retries. Zero or less retries until ctx ends.
	ConnectAttempts int
	// ResponseTimeout bounds the wait for a reply after the request is sent.
	// Zero waits indefinitely.
	ResponseTimeout time.Duration
	Session         session.Config
	Limits          frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ServerURL:       "ws://127.0.0.1:8888/",
		ProjectDir:      ".",
		Exclusions:      append([]string(nil), project.DefaultExclusions...),
		ConnectAttempts: 5,
		Session:         session.DefaultConfig(),
		Limits:          frame.DefaultLimits(),
	}
}

// Outcome describes a finished remote build.
type Outcome struct {
	JobID    string
	Target   string
	Binaries []string
	Files    []string
	Snapshot cache.ArchiveFile
	Elapsed  time.Duration
}

type Session struct {
	cfg   Config
	cache *cache.Cache
	ex    *project.Exclusions
	rng   *rand.Rand
}

func New(cfg Config, c *cache.Cache) (*Session, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, ErrServerURLRequired
	}
	if strings.TrimSpace(cfg.ProjectDir) == "" {
		cfg.ProjectDir = "."
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = cfg.ProjectDir
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	cfg.Session = cfg.Session.WithDefaults()
	ex, err := project.CompileExclusions(cfg.Exclusions)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:   cfg,
		cache: c,
		ex:    ex,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run packages the project, submits it, and unpacks the reply into the
// output directory. It returns once the result is on disk or the job failed.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	started := time.Now()
	snapshot, err := project.Package(s.cache, s.cfg.ProjectDir, s.ex)
	if err != nil {
		return Outcome{}, err
	}
	data, err := cache.ReadArchive(snapshot)
	if err != nil {
		return Outcome{}, err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer conn.Close()

	jobID := uuid.NewString()
	payload, err := session.EncodeBuildRequest(buildMessageID, session.BuildRequest{
		JobID:     jobID,
		Target:    s.cfg.Target,
		Release:   s.cfg.Release,
		Digest:    snapshot.Digest,
		Archive:   data,
		CreatedMS: uint64(started.UnixMilli()),
	}, s.cfg.Limits)
	if err != nil {
		return Outcome{}, err
	}
	if err := conn.WriteMessage(ctx, session.PayloadMessage(payload)); err != nil {
		return Outcome{}, fmt.Errorf("client: send request: %w", err)
	}
	log.Info().Msgf(
		"client.Session.Run sent job_id=%s target=%q release=%t snapshot=%s size=%d",
		jobID,
		s.cfg.Target,
		s.cfg.Release,
		snapshot.Path,
		len(data),
	)

	res, err := s.awaitResult(ctx, conn, jobID)
	if err != nil {
		return Outcome{}, err
	}

	files, err := archive.DecodeBytes(res.Archive, s.cfg.OutputDir)
	if err != nil {
		return Outcome{}, fmt.Errorf("client: unpack result: %w", err)
	}
	if err := conn.WriteMessage(ctx, session.CloseMessage()); err != nil {
		log.Debug().Err(err).Msg("client.Session.Run close frame")
	}

	out := Outcome{
		JobID:    jobID,
		Target:   res.Target,
		Binaries: res.Binaries,
		Files:    files,
		Snapshot: snapshot,
		Elapsed:  time.Since(started),
	}
	log.Info().Msgf(
		"client.Session.Run done job_id=%s target=%s binaries=%v output=%s elapsed=%s",
		jobID,
		out.Target,
		out.Binaries,
		s.cfg.OutputDir,
		out.Elapsed,
	)
	return out, nil
}

func (s *Session) awaitResult(ctx context.Context, conn *session.Conn, jobID string) (session.BuildResult, error) {
	waitCtx := ctx
	if s.cfg.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ResponseTimeout)
		defer cancel()
	}

	for {
		msg, err := conn.ReadMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return session.BuildResult{}, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return session.BuildResult{}, ErrResponseTimeout
			}
			return session.BuildResult{}, fmt.Errorf("%w: %v", ErrNoResult, err)
		}

		switch msg.Kind {
		case session.KindPayload:
			f, err := session.DecodePayload(msg, s.cfg.Limits)
			if err != nil {
				return session.BuildResult{}, err
			}
			res, err := session.DecodeBuildResult(f)
			if err != nil {
				return session.BuildResult{}, err
			}
			if res.JobID != jobID {
				log.Warn().Msgf("client.Session.awaitResult ignoring result job_id=%s want=%s", res.JobID, jobID)
				continue
			}
			return res, nil
		case session.KindControl:
			ctl, err := session.DecodeControl(msg.Text)
			if err != nil {
				log.Warn().Err(err).Msg("client.Session.awaitResult bad control")
				continue
			}
			switch ctl.Type {
			case session.ControlError:
				if ctl.JobID != jobID && ctl.JobID != "unknown" {
					log.Warn().Msgf("client.Session.awaitResult ignoring error job_id=%s", ctl.JobID)
					continue
				}
				return session.BuildResult{}, fmt.Errorf("%w: stage=%s: %s", ErrBuildFailed, ctl.Stage, ctl.Message)
			case session.ControlAccepted:
				log.Info().Msgf("client.Session.awaitResult accepted job_id=%s", ctl.JobID)
			default:
				log.Info().Msgf("client.Session.awaitResult status job_id=%s stage=%s message=%q", ctl.JobID, ctl.Stage, ctl.Message)
			}
		case session.KindClose:
			return session.BuildResult{}, ErrNoResult
		}
	}
}

func (s *Session) connect(ctx context.Context) (*session.Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := session.Dial(ctx, s.cfg.ServerURL, s.cfg.Session)
		if err == nil {
			log.Info().Msgf("client.Session.connect connected url=%s attempt=%d", s.cfg.ServerURL, attempt)
			return conn, nil
		}
		log.Warn().Msgf("client.Session.connect dial attempt=%d url=%q err=%v", attempt, s.cfg.ServerURL, err)
		if !s.shouldRetry(attempt) {
			return nil, fmt.Errorf("client: connect %s: %w", s.cfg.ServerURL, err)
		}
		if err := s.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (s *Session) shouldRetry(attempt int) bool {
	if s.cfg.ConnectAttempts <= 0 {
		return true
	}
	return attempt < s.cfg.ConnectAttempts
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(s.cfg.Session.Backoff, attempt, s.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
