package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/stagerd/internal/command"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/stagerd/internal/dispatch Process,Recorder

// Process is one supervised helper invocation. *command.Instance implements it.
//
// A Run error wrapping command.ErrPidfileTimeout means the command was
// launched without reporting its pid yet; Attach reports when it has.
type Process interface {
	Run(ctx context.Context) error
	Attach() bool
	IsRunning() bool
	Terminate() error
	Kill() error
	Stop(grace time.Duration) error
	Output() (protocol.Result, error)
	Stderr(max int) string
	Cleanup() error
	PID() int
	Command() string
	StartedAt() time.Time
}

// Spawner constructs a Process for a command line and instance id.
type Spawner interface {
	Spawn(cmdline string, id uint32) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(cmdline string, id uint32) (Process, error)

func (f SpawnerFunc) Spawn(cmdline string, id uint32) (Process, error) {
	return f(cmdline, id)
}

// Recorder receives finished attempts. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, a history.Attempt) error
}

// CommandSpawner spawns command.Instance values sharing one supervisor config.
type CommandSpawner struct {
	Config *command.Config
}

var (
	_ Process  = (*command.Instance)(nil)
	_ Spawner  = CommandSpawner{}
	_ Recorder = (*history.Store)(nil)
)

func (s CommandSpawner) Spawn(cmdline string, id uint32) (Process, error) {
	inst, err := command.New(s.Config, cmdline, id)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
