package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/internal/remote"
)

// ErrUnreachable wraps failures to open a connection to the target server.
var ErrUnreachable = errors.New("server unreachable")

// Work is the body of a recorded remote operation.
type Work func(ctx context.Context, conn *remote.Conn, rec *Recorder) error

// Plan looks at a server before anything is recorded. It returns the work to
// record, or nil when there is nothing to do.
type Plan func(ctx context.Context, conn *remote.Conn) (Work, error)

// Executor runs recorded operations against a server while holding the
// server's lock.
type Executor struct {
	ops       Service
	connector remote.Connector
	locker    lock.Locker
	lockTTL   time.Duration
}

// NewExecutor constructs an Executor. A zero lockTTL defaults to 30 minutes.
func NewExecutor(ops Service, connector remote.Connector, locker lock.Locker, lockTTL time.Duration) Executor {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return Executor{ops: ops, connector: connector, locker: locker, lockTTL: lockTTL}
}

// Operations returns the underlying recorder service.
func (e Executor) Operations() Service {
	return e.ops
}

// Do locks server, opens an operation record, connects and runs work. The
// returned operation is zero when the lock could not be taken.
func (e Executor) Do(ctx context.Context, server domain.Server, spec Spec, work Work) (domain.Operation, error) {
	release, err := e.locker.TryAcquire(ctx, lock.ServerKey(server.ID), e.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return domain.Operation{}, fmt.Errorf("server %s: %w", server.Name, err)
		}
		return domain.Operation{}, fmt.Errorf("lock server %s: %w", server.Name, err)
	}
	defer release()

	spec.ServerID = server.ID
	rec, err := e.ops.Start(ctx, spec)
	if err != nil {
		return domain.Operation{}, err
	}
	return e.run(ctx, server, rec, work)
}

// DoPlanned is Do for passes that are usually no-ops. The server is locked
// and connected before plan runs, and an operation is recorded only when
// plan fails or returns work. Otherwise the returned operation is zero.
func (e Executor) DoPlanned(ctx context.Context, server domain.Server, spec Spec, plan Plan) (domain.Operation, error) {
	release, err := e.locker.TryAcquire(ctx, lock.ServerKey(server.ID), e.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return domain.Operation{}, fmt.Errorf("server %s: %w", server.Name, err)
		}
		return domain.Operation{}, fmt.Errorf("lock server %s: %w", server.Name, err)
	}
	defer release()

	spec.ServerID = server.ID
	conn, err := e.connector.Connect(ctx, server)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrUnreachable, server.Name, err)
		return e.fail(ctx, spec, "connect", err)
	}
	defer conn.Close()

	work, err := plan(ctx, conn)
	if err != nil {
		return e.fail(ctx, spec, "plan", err)
	}
	if work == nil {
		return domain.Operation{}, nil
	}
	rec, err := e.ops.Start(ctx, spec)
	if err != nil {
		return domain.Operation{}, err
	}
	rec.Note(ctx, "connect", fmt.Sprintf("connected to %s@%s:%d", server.Username, server.Host, server.Port))
	err = work(ctx, conn, rec)
	return rec.Finish(ctx, err), err
}

// fail records an operation that failed at step before any work ran.
func (e Executor) fail(ctx context.Context, spec Spec, step string, opErr error) (domain.Operation, error) {
	rec, err := e.ops.Start(ctx, spec)
	if err != nil {
		return domain.Operation{}, errors.Join(opErr, err)
	}
	rec.Step(ctx, step, false, opErr)
	return rec.Finish(ctx, opErr), opErr
}

// DoStarted is Do for an operation whose record was created up front, such
// as a deploy accepted by the API before it runs in the background.
func (e Executor) DoStarted(ctx context.Context, server domain.Server, rec *Recorder, work Work) (domain.Operation, error) {
	release, err := e.locker.TryAcquire(ctx, lock.ServerKey(server.ID), e.lockTTL)
	if err != nil {
		err = fmt.Errorf("server %s: %w", server.Name, err)
		rec.Step(ctx, "lock", false, err)
		return rec.Finish(ctx, err), err
	}
	defer release()
	return e.run(ctx, server, rec, work)
}

func (e Executor) run(ctx context.Context, server domain.Server, rec *Recorder, work Work) (domain.Operation, error) {
	conn, err := e.connector.Connect(ctx, server)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrUnreachable, server.Name, err)
		rec.Step(ctx, "connect", false, err)
		return rec.Finish(ctx, err), err
	}
	defer conn.Close()
	rec.Note(ctx, "connect", fmt.Sprintf("connected to %s@%s:%d", server.Username, server.Host, server.Port))

	err = work(ctx, conn, rec)
	return rec.Finish(ctx, err), err
}
