package dispatch

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/danmuck/remoterc/internal/observability"
	"github.com/danmuck/remoterc/internal/toolchain"
	"github.com/rs/zerolog/log"
)

const DefaultTarget = "x86_64-pc-windows-gnu"

type Config struct {
	// DefaultTarget applies when a job names no target.
	DefaultTarget string
	// BuildTimeout bounds one whole job. Zero means no limit.
	BuildTimeout time.Duration
	// MaxConcurrent bounds concurrent install+build steps across all peers.
	MaxConcurrent int
	// MaxUnpackBytes caps the extracted size of one snapshot. Zero means
	// archive.DefaultMaxExtractBytes.
	MaxUnpackBytes int64
}

type Dispatcher struct {
	cfg    Config
	cache  *cache.Cache
	runner toolchain.Runner
	pool   *Pool

	mu     sync.Mutex
	seq    uint64
	active map[uint64]*JobStatus
}

func New(cfg Config, c *cache.Cache, runner toolchain.Runner) *Dispatcher {
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = DefaultTarget
	}
	if cfg.MaxUnpackBytes <= 0 {
		cfg.MaxUnpackBytes = archive.DefaultMaxExtractBytes
	}
	observability.AllowJobTargets(cfg.DefaultTarget)
	return &Dispatcher{
		cfg:    cfg,
		cache:  c,
		runner: runner,
		pool:   NewPool(cfg.MaxConcurrent),
		active: make(map[uint64]*JobStatus),
	}
}

// Dispatch runs job to completion or failure. Jobs never share a build
// directory; the only shared state is the runner's installed targets.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Result, error) {
	started := time.Now()
	if job.Target == "" {
		job.Target = d.cfg.DefaultTarget
	}
	if d.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.BuildTimeout)
		defer cancel()
	}

	key := d.track(job, started)
	defer d.untrack(key)

	log.Info().Msgf(
		"dispatch.Dispatcher.Dispatch start job_id=%s peer=%s target=%s release=%t bytes=%d",
		job.ID,
		job.Peer,
		job.Target,
		job.Release,
		len(job.Archive),
	)
	res, err := d.run(ctx, key, job)
	elapsed := time.Since(started)

	if err != nil {
		stage := Stage("unknown")
		var jobErr *JobError
		if errors.As(err, &jobErr) {
			stage = jobErr.Stage
		}
		observability.RecordJob(job.Target, string(stage), elapsed, false)
		log.Error().Err(err).Msgf(
			"dispatch.Dispatcher.Dispatch failed job_id=%s stage=%s elapsed=%s",
			job.ID,
			stage,
			elapsed.Round(time.Millisecond),
		)
		return Result{}, err
	}
	res.Elapsed = elapsed
	observability.RecordJob(job.Target, "", elapsed, true)
	log.Info().Msgf(
		"dispatch.Dispatcher.Dispatch complete job_id=%s binaries=%v result=%s elapsed=%s",
		job.ID,
		res.Binaries,
		res.File.Path,
		elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, key uint64, job Job) (Result, error) {
	fail := func(stage Stage, err error) (Result, error) {
		return Result{}, &JobError{Stage: stage, JobID: job.ID, Err: err}
	}

	d.setStage(key, StageAllocate)
	if len(job.Archive) == 0 {
		return fail(StageAllocate, ErrEmptyArchive)
	}
	dir, err := d.cache.NewBuildDir()
	if err != nil {
		return fail(StageAllocate, err)
	}

	d.setStage(key, StageUnpack)
	files, err := archive.DecodeBytesLimit(job.Archive, dir, d.cfg.MaxUnpackBytes)
	if err != nil {
		return fail(StageUnpack, err)
	}
	log.Debug().Msgf("dispatch.Dispatcher.run unpacked job_id=%s dir=%s files=%d", job.ID, dir, len(files))

	var binaries []string
	stage := StageInstall
	err = d.pool.Run(ctx, func(ctx context.Context) error {
		d.setStage(key, StageInstall)
		if err := d.runner.EnsureTarget(ctx, job.Target); err != nil {
			return err
		}
		observability.AllowJobTargets(job.Target)
		stage = StageBuild
		d.setStage(key, StageBuild)
		paths, err := d.runner.Build(ctx, dir, job.Target, job.Release)
		if err != nil {
			if errors.Is(err, toolchain.ErrMissingBinary) {
				stage = StageResolve
			}
			return err
		}
		binaries = paths
		return nil
	})
	if err != nil {
		return fail(stage, err)
	}

	d.setStage(key, StagePackage)
	entries, err := archive.EntriesFor(binaries)
	if err != nil {
		return fail(StagePackage, err)
	}
	af, err := d.cache.WriteArchive(cache.ExtResult, func(w io.Writer) error {
		return archive.Encode(w, entries)
	})
	if err != nil {
		return fail(StagePackage, err)
	}
	data, err := cache.ReadArchive(af)
	if err != nil {
		return fail(StagePackage, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return Result{
		JobID:    job.ID,
		Target:   job.Target,
		Binaries: names,
		Archive:  data,
		File:     af,
		BuildDir: dir,
	}, nil
}

// Active lists in-flight jobs, oldest first.
func (d *Dispatcher) Active() []JobStatus {
	d.mu.Lock()
	out := make([]JobStatus, 0, len(d.active))
	for _, st := range d.active {
		out = append(out, *st)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// track registers job under a dispatcher-assigned key. Client job ids are
// not unique across peers.
func (d *Dispatcher) track(job Job, started time.Time) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.active[d.seq] = &JobStatus{
		ID:        job.ID,
		Peer:      job.Peer,
		Target:    job.Target,
		Release:   job.Release,
		Stage:     StageAllocate,
		StartedAt: started,
	}
	return d.seq
}

func (d *Dispatcher) setStage(key uint64, stage Stage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.active[key]; ok {
		st.Stage = stage
	}
}

func (d *Dispatcher) untrack(key uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, key)
}
