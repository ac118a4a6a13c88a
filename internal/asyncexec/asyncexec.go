// Package asyncexec implements the Async Executor: a host-managed task
// pool that performs the actual I/O a drift describes (fetch, db, fs) and
// reports the result back to the owning worker. It holds no JS state and
// knows nothing about isolates, request ids, or replay.
package asyncexec

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/titanrun/titan/internal/metrics"
	"github.com/titanrun/titan/internal/pkg/fsutil"
)

// OpKind identifies which native operation a drift performs.
type OpKind string

const (
	OpFetch OpKind = "fetch"
	OpDB    OpKind = "db"
	OpFS    OpKind = "fs"
	OpBatch OpKind = "batch"
)

// Op is one drift operation descriptor, as issued from JS via drift(op).
type Op struct {
	Kind  OpKind
	Fetch *FetchOp
	DB    *DBOp
	FS    *FSOp
	Batch []Op
}

type FetchOp struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type DBOp struct {
	Query string
	Args  []interface{}
}

type FSOp struct {
	Path string
}

// Request carries one op from an isolate worker to the executor, plus the
// bookkeeping needed to route the result back.
type Request struct {
	DriftID   uint32
	RequestID uint32
	Op        Op
	Reply     chan Result
}

// Result is what the executor posts back; it either carries a JSON-ish
// value or an error field the action observes as an error-shaped drift
// return, per the DriftError/TimeoutError propagation policy.
type Result struct {
	DriftID    uint32
	Value      interface{}
	Err        string
	DurationMs float64
}

// Config carries per-op-kind timeouts and the backing clients each op
// kind uses.
type Config struct {
	FetchTimeout time.Duration
	DBTimeout    time.Duration
	FSTimeout    time.Duration
	ProjectRoot  string

	HTTPClient *http.Client
	DBPool     *pgxpool.Pool
}

// Executor owns no JS state; Submit is safe to call concurrently from any
// number of isolate workers.
type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &Executor{cfg: cfg}
}

// Submit runs req.Op asynchronously and sends exactly one Result on
// req.Reply, unless the caller has stopped listening — a dropped reply
// channel makes the send a no-op, implementing the executor's
// fire-and-forget cancellation policy.
func (e *Executor) Submit(ctx context.Context, req Request) {
	go func() {
		start := time.Now()
		val, err := e.run(ctx, req.Op)
		result := Result{DriftID: req.DriftID, DurationMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			result.Err = err.Error()
		} else {
			result.Value = val
		}
		metrics.RecordDrift(string(req.Op.Kind), result.DurationMs)
		select {
		case req.Reply <- result:
		default:
			// Reply channel unbuffered and nobody's listening (request
			// was cancelled); drop the result on the floor.
		}
	}()
}

func (e *Executor) run(ctx context.Context, op Op) (interface{}, error) {
	switch op.Kind {
	case OpFetch:
		return e.runFetch(ctx, op.Fetch)
	case OpDB:
		return e.runDB(ctx, op.DB)
	case OpFS:
		return e.runFS(ctx, op.FS)
	case OpBatch:
		return e.runBatch(ctx, op.Batch)
	default:
		return nil, errUnknownOp
	}
}

var errUnknownOp = &opError{"asyncexec: unknown op kind"}

type opError struct{ msg string }

func (e *opError) Error() string { return e.msg }

func (e *Executor) runFetch(ctx context.Context, op *FetchOp) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(buf),
	}, nil
}

func (e *Executor) runDB(ctx context.Context, op *DBOp) (interface{}, error) {
	if e.cfg.DBPool == nil {
		return nil, &opError{"asyncexec: no database pool configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DBTimeout)
	defer cancel()

	rows, err := e.cfg.DBPool.Query(ctx, op.Query, op.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (e *Executor) runFS(ctx context.Context, op *FSOp) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FSTimeout)
	defer cancel()

	path, err := fsutil.CanonicalizeUnder(e.cfg.ProjectRoot, op.Path)
	if err != nil {
		return nil, err
	}
	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- readResult{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return string(r.data), nil
	}
}

// runBatch executes every sub-op concurrently with an all-settled policy:
// every sub-result is recorded even if some fail, and the result slice
// preserves input order.
func (e *Executor) runBatch(ctx context.Context, ops []Op) (interface{}, error) {
	type settled struct {
		Value interface{} `json:"value,omitempty"`
		Error string      `json:"error,omitempty"`
	}
	out := make([]settled, len(ops))
	done := make(chan struct{}, len(ops))
	for i, op := range ops {
		i, op := i, op
		go func() {
			defer func() { done <- struct{}{} }()
			v, err := e.run(ctx, op)
			if err != nil {
				out[i] = settled{Error: err.Error()}
				return
			}
			out[i] = settled{Value: v}
		}()
	}
	for range ops {
		<-done
	}
	return out, nil
}
