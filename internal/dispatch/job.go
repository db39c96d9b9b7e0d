package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/remoterc/internal/cache"
)

type Stage string

const (
	StageAllocate Stage = "allocate"
	StageUnpack   Stage = "unpack"
	StageInstall  Stage = "install"
	StageBuild    Stage = "build"
	StageResolve  Stage = "resolve"
	StagePackage  Stage = "package"
)

var ErrEmptyArchive = errors.New("dispatch: empty archive")

// Job is one build request. It lives only for the duration of Dispatch.
type Job struct {
	ID      string
	Peer    string
	Target  string
	Release bool
	Archive []byte
}

type Result struct {
	JobID    string
	Target   string
	Binaries []string
	Archive  []byte
	File     cache.ArchiveFile
	BuildDir string
	Elapsed  time.Duration
}

// JobError scopes a failure to one job and the stage that produced it.
type JobError struct {
	Stage Stage
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("dispatch: job %s failed at %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// JobStatus is the observable state of an in-flight job.
type JobStatus struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Target    string    `json:"target"`
	Release   bool      `json:"release"`
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
}
