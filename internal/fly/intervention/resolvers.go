package intervention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kulesh/waypoints/internal/fly/runtime"
)

var (
	ErrTimeout   = errors.New("intervention timed out")
	ErrCancelled = errors.New("intervention resolver cancelled")
)

// Resolver produces the operator's answer for an intervention. Resolve blocks.
type Resolver interface {
	Resolve(ctx context.Context, iv Intervention) (Response, error)
}

// PolicyResolver answers immediately from the configured escalation policy.
type PolicyResolver struct {
	OnEscalation string
}

func (p PolicyResolver) Resolve(_ context.Context, iv Intervention) (Response, error) {
	if p.OnEscalation == "skip" {
		return Response{Action: ActionSkip, ResolvedBy: "policy", Note: "on_escalation=skip"}, nil
	}
	return Response{Action: ActionAbort, ResolvedBy: "policy", Note: "on_escalation=" + p.OnEscalation}, nil
}

// ChannelResolver parks interventions until an HTTP client answers them.
type ChannelResolver struct {
	mu       sync.Mutex
	pending  map[string]*parked
	timeout  time.Duration
	cancelCh chan struct{}
}

type parked struct {
	iv       Intervention
	answerCh chan Response
}

// NewChannelResolver defaults to a 30 minute timeout when timeout <= 0.
func NewChannelResolver(timeout time.Duration) *ChannelResolver {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ChannelResolver{
		pending:  make(map[string]*parked),
		timeout:  timeout,
		cancelCh: make(chan struct{}),
	}
}

func (c *ChannelResolver) Resolve(ctx context.Context, iv Intervention) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[iv.ID] = &parked{iv: iv, answerCh: ch}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, iv.ID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	case <-c.cancelCh:
		return Response{}, ErrCancelled
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Pending lists parked interventions, oldest first.
func (c *ChannelResolver) Pending() []Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Intervention, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Answer delivers resp to the parked intervention id. It returns ErrNotFound
// when nothing with that id is waiting, including when it was already answered.
func (c *ChannelResolver) Answer(id string, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case p.answerCh <- resp:
		delete(c.pending, id)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
}

// Cancel unblocks every waiting Resolve. Safe to call more than once.
func (c *ChannelResolver) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.cancelCh:
	default:
		close(c.cancelCh)
	}
}

// FileResolver waits for <id>.response.json to appear in the interventions
// directory, as written by WriteResponse.
type FileResolver struct {
	Dir      string
	Debounce time.Duration
}

func NewFileResolver(stateDir string) *FileResolver {
	return &FileResolver{Dir: Dir(stateDir), Debounce: 100 * time.Millisecond}
}

func (f *FileResolver) Resolve(ctx context.Context, iv Intervention) (Response, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return Response{}, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Response{}, fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.Dir); err != nil {
		return Response{}, fmt.Errorf("watch %s: %w", f.Dir, err)
	}

	target := filepath.Base(responsePath(f.Dir, iv.ID))
	// The answer may have landed before the watch was in place.
	if resp, ok := f.read(iv.ID); ok {
		return resp, nil
	}

	debounce := f.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return Response{}, ErrCancelled
			}
			if filepath.Base(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			if resp, ok := f.read(iv.ID); ok {
				return resp, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Response{}, ErrCancelled
			}
			_ = err
		}
	}
}

func (f *FileResolver) read(id string) (Response, bool) {
	var resp Response
	if err := runtime.ReadJSON(responsePath(f.Dir, id), &resp); err != nil {
		return Response{}, false
	}
	if resp.ResolvedBy == "" {
		resp.ResolvedBy = "file"
	}
	return resp, true
}

// FirstOf races several resolvers. The first answer wins and the rest are
// cancelled. Errors are returned only when every resolver fails.
func FirstOf(resolvers ...Resolver) Resolver { return firstOf(resolvers) }

type firstOf []Resolver

type outcome struct {
	resp Response
	err  error
}

func (rs firstOf) Resolve(ctx context.Context, iv Intervention) (Response, error) {
	switch len(rs) {
	case 0:
		return Response{}, errors.New("no intervention resolvers configured")
	case 1:
		return rs[0].Resolve(ctx, iv)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan outcome, len(rs))
	for _, r := range rs {
		go func(r Resolver) {
			resp, err := r.Resolve(ctx, iv)
			results <- outcome{resp, err}
		}(r)
	}
	var errs []error
	for range rs {
		o := <-results
		if o.err == nil {
			return o.resp, nil
		}
		errs = append(errs, o.err)
	}
	return Response{}, errors.Join(errs...)
}
