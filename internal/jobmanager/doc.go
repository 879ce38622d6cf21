// Package jobmanager provides functionality for running and supervising an
// external workflow engine process as a named Job.
//
// A Job is one supervised invocation of the engine. Its state lives entirely
// on the filesystem under a runtime home directory, so any process can
// reconstruct it:
//
//	<home>/index.json        listing of all known jobs
//	<home>/<name>.pid        pid of the running child
//	<home>/<name>.lock       per-job lock, held while a child is supervised
//	<home>/<name>/stdout     raw child stdout
//	<home>/<name>/stderr     raw child stderr
//	<home>/<name>/log        rotating lifecycle log
//	<home>/<name>/metadata   the Record, as JSON
//
// A Manager composes the Resolver, Store and LaunchMode implementations into
// the caller-facing operations: Submit, Query, List, Remove and Stop.
package jobmanager
