// Package dispatch turns one inbound project archive into one outbound
// archive of built executables.
//
// Pipeline per job: allocate a build directory, unpack, install the target,
// build on the bounded pool, resolve declared binaries, package the result.
// Every failure is a *JobError naming the stage; none of them are fatal to
// the connection that submitted the job.
package dispatch
