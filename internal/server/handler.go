package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/observability"
	"github.com/danmuck/remoterc/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// handleSession owns one connection from registration to deregistration.
// The writer drains the peer's outbound queue; the reader handles inbound
// messages in order, dispatching payloads synchronously so one connection
// never has two jobs in flight.
func (m *Manager) handleSession(conn *session.Conn) {
	addr := conn.RemoteAddr().String()
	peer := newPeer(addr, m.cfg.OutboundBuffer)
	if err := m.registry.Insert(peer); err != nil {
		log.Warn().Err(err).Msgf("server.handleSession rejected peer=%s", addr)
		_ = conn.WriteMessage(context.Background(), session.CloseMessage())
		_ = conn.Close()
		return
	}
	log.Info().Msgf("server.handleSession connected peer=%s peers=%d", addr, m.registry.Len())
	defer func() {
		m.registry.Remove(addr)
		_ = conn.Close()
		log.Info().Msgf("server.handleSession disconnected peer=%s peers=%d", addr, m.registry.Len())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		m.writeLoop(ctx, conn, peer)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		m.readLoop(ctx, conn, peer)
	}()
	wg.Wait()
}

func (m *Manager) writeLoop(ctx context.Context, conn *session.Conn, peer *Peer) {
	defer close(peer.done)
	ticker := time.NewTicker(conn.Config().PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-peer.closing:
			if err := conn.WriteMessage(ctx, session.CloseMessage()); err != nil {
				log.Debug().Err(err).Msgf("server.writeLoop close frame peer=%s", peer.Addr)
			}
			return
		case msg := <-peer.out:
			if err := conn.WriteMessage(ctx, msg); err != nil {
				log.Warn().Err(err).Msgf("server.writeLoop write failed peer=%s kind=%s", peer.Addr, msg.Kind)
				return
			}
			if msg.Kind == session.KindPayload {
				observability.RecordPayload("out", len(msg.Data))
			}
			if msg.Kind == session.KindClose {
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.Debug().Err(err).Msgf("server.writeLoop ping failed peer=%s", peer.Addr)
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *session.Conn, peer *Peer) {
	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msgf("server.readLoop read ended peer=%s", peer.Addr)
			}
			return
		}
		switch msg.Kind {
		case session.KindPayload:
			m.handlePayload(peer, msg)
		case session.KindControl:
			ctl, err := session.DecodeControl(msg.Text)
			if err != nil {
				log.Warn().Err(err).Msgf("server.readLoop bad control peer=%s", peer.Addr)
				continue
			}
			log.Info().Msgf("server.readLoop control peer=%s type=%s message=%q", peer.Addr, ctl.Type, ctl.Message)
		case session.KindClose:
			log.Debug().Msgf("server.readLoop close requested peer=%s", peer.Addr)
			return
		}
	}
}

func (m *Manager) handlePayload(peer *Peer, msg session.Message) {
	observability.RecordPayload("in", len(msg.Data))
	f, err := session.DecodePayload(msg, m.cfg.Limits)
	if err != nil {
		m.sendError(peer, "", "decode", err)
		return
	}
	req, err := session.DecodeBuildRequest(f)
	if err != nil {
		m.sendError(peer, session.RequestJobID(f), "decode", err)
		return
	}

	m.registry.SetJob(peer.Addr, req.JobID)
	defer m.registry.SetJob(peer.Addr, "")
	m.sendControl(peer, session.Control{Type: session.ControlAccepted, JobID: req.JobID})

	res, err := m.dispatcher.Dispatch(m.buildContext(), dispatch.Job{
		ID:      req.JobID,
		Peer:    peer.Addr,
		Target:  req.Target,
		Release: req.Release,
		Archive: req.Archive,
	})
	if err != nil {
		stage := "dispatch"
		var jobErr *dispatch.JobError
		if errors.As(err, &jobErr) {
			stage = string(jobErr.Stage)
			err = jobErr.Err
		}
		m.sendError(peer, req.JobID, stage, err)
		return
	}

	data, err := session.EncodeBuildResult(f.Header.MessageID, session.BuildResult{
		JobID:     req.JobID,
		Target:    res.Target,
		Binaries:  res.Binaries,
		Archive:   res.Archive,
		CreatedMS: uint64(time.Now().UnixMilli()),
	}, m.cfg.Limits)
	if err != nil {
		m.sendError(peer, req.JobID, string(dispatch.StagePackage), err)
		return
	}
	if !peer.Enqueue(session.PayloadMessage(data)) {
		log.Warn().Msgf("server.handlePayload result dropped peer=%s job_id=%s", peer.Addr, req.JobID)
	}
}

// sendError tells the initiator its job produced no result. The connection
// stays open.
func (m *Manager) sendError(peer *Peer, jobID, stage string, err error) {
	if jobID == "" {
		jobID = "unknown"
	}
	log.Warn().Err(err).Msgf("server.handlePayload job failed peer=%s job_id=%s stage=%s", peer.Addr, jobID, stage)
	m.sendControl(peer, session.Control{
		Type:    session.ControlError,
		JobID:   jobID,
		Stage:   stage,
		Message: err.Error(),
	})
}

func (m *Manager) sendControl(peer *Peer, ctl session.Control) {
	ctl.TimestampMS = uint64(time.Now().UnixMilli())
	msg, err := session.EncodeControl(ctl)
	if err != nil {
		if errors.Is(err, session.ErrControlMessageTooLarge) && len(ctl.Message) > 1024 {
			ctl.Message = "..." + ctl.Message[len(ctl.Message)-1024:]
			msg, err = session.EncodeControl(ctl)
		}
		if err != nil {
			log.Error().Err(err).Msgf("server.sendControl encode failed peer=%s", peer.Addr)
			return
		}
	}
	if !peer.Enqueue(msg) {
		log.Debug().Msgf("server.sendControl dropped peer=%s type=%s", peer.Addr, ctl.Type)
	}
}
