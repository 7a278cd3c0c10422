// Package queue carries lifecycle jobs from the API tier to the workers.
//
// Jobs are a closed set of types implementing Job. Each is wrapped in an
// Envelope for transport; the envelope carries the kind tag, the attempt
// counter and the lane. All jobs of one server hash to the same lane, and a
// lane is drained by exactly one goroutine per worker process, so two jobs
// for one server never run side by side in a process. The per-server lock
// held by Runtime extends that across processes.
package queue

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/cockroachdb/errors"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// Kind tags a job type on the wire.
type Kind string

const (
	KindInstall          Kind = "install-server"
	KindUpdate           Kind = "update-server"
	KindRestart          Kind = "restart-server"
	KindDelete           Kind = "delete-server"
	KindAggregateMetrics Kind = "aggregate-metrics"
	KindReportUsage      Kind = "report-usage"
)

// Job is one lifecycle operation for one server. The set of
// implementations is closed: InstallServer, UpdateServer, RestartServer
// and DeleteServer.
type Job interface {
	Kind() Kind
	Server() string
	job()
}

// InstallServer provisions a new server on HostID. Limits and environment
// are read from the server row when the job runs.
type InstallServer struct {
	ServerID    string `json:"serverId"`
	BlueprintID string `json:"blueprintId"`
	HostID      string `json:"hostId"`
}

// UpdateServer applies new limits and/or environment overrides. Nil
// fields are left unchanged.
type UpdateServer struct {
	ServerID    string            `json:"serverId"`
	Limits      *models.Resources `json:"limits,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// PowerAction is the tenant-facing power command a restart job came from.
type PowerAction string

const (
	PowerStart   PowerAction = "start"
	PowerStop    PowerAction = "stop"
	PowerRestart PowerAction = "restart"
	PowerKill    PowerAction = "kill"
)

func (a PowerAction) Valid() bool {
	switch a {
	case PowerStart, PowerStop, PowerRestart, PowerKill:
		return true
	}
	return false
}

// Graceful is the stop mode the action implies.
func (a PowerAction) Graceful() bool {
	return a == PowerStop || a == PowerRestart
}

// RestartServer stops and/or starts a server. An empty Action is a full
// restart.
type RestartServer struct {
	ServerID string      `json:"serverId"`
	Graceful bool        `json:"graceful"`
	Action   PowerAction `json:"action,omitempty"`
}

// DeleteServer tears a server down and releases its allocation.
type DeleteServer struct {
	ServerID string `json:"serverId"`
}

func (InstallServer) Kind() Kind { return KindInstall }
func (UpdateServer) Kind() Kind  { return KindUpdate }
func (RestartServer) Kind() Kind { return KindRestart }
func (DeleteServer) Kind() Kind  { return KindDelete }

func (j InstallServer) Server() string { return j.ServerID }
func (j UpdateServer) Server() string  { return j.ServerID }
func (j RestartServer) Server() string { return j.ServerID }
func (j DeleteServer) Server() string  { return j.ServerID }

func (InstallServer) job() {}
func (UpdateServer) job()  {}
func (RestartServer) job() {}
func (DeleteServer) job()  {}

// Envelope is the transport form of a job.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	ServerID   string          `json:"serverId"`
	Lane       int             `json:"lane"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`

	// raw is the exact encoding the Redis queue holds, needed to remove it.
	raw string
}

// Encode wraps job in a new envelope.
func Encode(job Job, lanes int, now time.Time) (*Envelope, error) {
	if job == nil || job.Server() == "" {
		return nil, errdefs.InvalidArgument("job without server id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s job", job.Kind())
	}
	return &Envelope{
		ID:         models.GenerateID("job"),
		Kind:       job.Kind(),
		ServerID:   job.Server(),
		Lane:       LaneFor(job.Server(), lanes),
		Payload:    payload,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Decode returns the typed job inside the envelope.
func (e *Envelope) Decode() (Job, error) {
	var (
		job Job
		err error
	)
	switch e.Kind {
	case KindInstall:
		var j InstallServer
		err = json.Unmarshal(e.Payload, &j)
		job = j
	case KindUpdate:
		var j UpdateServer
		err = json.Unmarshal(e.Payload, &j)
		job = j
	case KindRestart:
		var j RestartServer
		err = json.Unmarshal(e.Payload, &j)
		job = j
	case KindDelete:
		var j DeleteServer
		err = json.Unmarshal(e.Payload, &j)
		job = j
	default:
		return nil, errdefs.InvalidArgument("unknown job kind %q", e.Kind)
	}
	if err != nil {
		return nil, errdefs.InvalidArgument("decode %s job %s: %v", e.Kind, e.ID, err)
	}
	return job, nil
}

// LaneFor maps a server to its lane.
func LaneFor(serverID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(serverID))
	return int(h.Sum32() % uint32(lanes))
}

func marshalEnvelope(e *Envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "encode envelope")
	}
	return string(b), nil
}

func unmarshalEnvelope(raw string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	e.raw = raw
	return &e, nil
}
