package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("request cancelled")
	ErrDuplicate = errors.New("request id already registered")
)

// AwaitKind tells the registry how to accumulate and when to resolve.
type AwaitKind int

const (
	AwaitBars AwaitKind = iota
	AwaitSnapshot
	AwaitOrder
	AwaitAccount
)

// Result is the outcome of a correlated request. Exactly one of the payload
// fields is set on success, per the await kind; Err is set on failure.
type Result struct {
	Bars    []model.Bar
	Tick    *Tick
	Order   *OrderStatus
	Account map[string]AccountValue
	Err     error
}

type awaiter struct {
	reqID    uint64
	kind     AwaitKind
	done     chan Result
	deadline time.Time

	// accumulated partials, guarded by the registry mutex
	bars       []model.Bar
	account    map[string]AccountValue
	progress   chan OrderStatus
	lastOrder  *OrderStatus
	snapPrice  *decimal.Decimal
	snapCumVol *int64
	snapAt     time.Time
}

// Registry correlates outbound request ids with pending awaiters. Ids below
// firstDynamicID are reserved for fixed global requests (news feed, account
// summary); dynamic allocation starts at 100. All methods are safe for
// concurrent use; nothing blocks or performs I/O under the lock.
type Registry struct {
	mu   sync.Mutex
	next uint64
	aw   map[uint64]*awaiter
}

const firstDynamicID = 100

// Reserved request ids for global subscriptions.
const (
	ReqIDNewsFeed       uint64 = 1
	ReqIDAccountSummary uint64 = 2
)

func NewRegistry() *Registry {
	return &Registry{next: firstDynamicID, aw: map[uint64]*awaiter{}}
}

// AllocID hands out the next dynamic request id without registering an
// awaiter. Used for streaming subscriptions that are not request/response.
func (r *Registry) AllocID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	return id
}

// Register allocates a dynamic id and an awaiter that resolves exactly once:
// on terminal delivery, failure, timeout, or cancel.
func (r *Registry) Register(kind AwaitKind, timeout time.Duration) (uint64, <-chan Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	a := r.newAwaiter(id, kind, timeout)
	r.aw[id] = a
	return id, a.done
}

// RegisterFixed attaches an awaiter to a reserved id.
func (r *Registry) RegisterFixed(reqID uint64, kind AwaitKind, timeout time.Duration) (<-chan Result, error) {
	if reqID >= firstDynamicID {
		return nil, errors.New("fixed ids must be below 100")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.aw[reqID]; dup {
		return nil, ErrDuplicate
	}
	a := r.newAwaiter(reqID, kind, timeout)
	r.aw[reqID] = a
	return a.done, nil
}

// RegisterOrder allocates an order awaiter plus a progress channel carrying
// non-terminal status updates (Submitted, PreSubmitted).
func (r *Registry) RegisterOrder(timeout time.Duration) (uint64, <-chan Result, <-chan OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	a := r.newAwaiter(id, AwaitOrder, timeout)
	a.progress = make(chan OrderStatus, 8)
	r.aw[id] = a
	return id, a.done, a.progress
}

func (r *Registry) newAwaiter(id uint64, kind AwaitKind, timeout time.Duration) *awaiter {
	a := &awaiter{
		reqID:    id,
		kind:     kind,
		done:     make(chan Result, 1),
		deadline: time.Now().Add(timeout),
	}
	if kind == AwaitAccount {
		a.account = map[string]AccountValue{}
	}
	return a
}

// Deliver routes an inbound event to its awaiter. Returns false when no
// awaiter matches the event's request id.
func (r *Registry) Deliver(ev Event) bool {
	r.mu.Lock()
	a, ok := r.aw[ev.ReqID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	switch ev.Kind {
	case EvBar:
		if a.kind == AwaitBars && ev.Bar != nil {
			a.bars = append(a.bars, *ev.Bar)
		}
		r.mu.Unlock()
		return true
	case EvBarsEnd:
		if a.kind != AwaitBars {
			r.mu.Unlock()
			return true
		}
		res := Result{Bars: a.bars}
		r.resolveLocked(a, res)
		r.mu.Unlock()
		return true
	case EvTick:
		if a.kind != AwaitSnapshot || ev.Tick == nil {
			r.mu.Unlock()
			return true
		}
		if ev.Tick.Price.IsPositive() {
			p := ev.Tick.Price
			a.snapPrice = &p
			a.snapAt = ev.Tick.At
		}
		if ev.Tick.CumVolume > 0 {
			v := ev.Tick.CumVolume
			a.snapCumVol = &v
		}
		if a.snapPrice != nil && a.snapCumVol != nil {
			res := Result{Tick: &Tick{
				TickType:  "snapshot",
				Price:     *a.snapPrice,
				CumVolume: *a.snapCumVol,
				At:        a.snapAt,
			}}
			r.resolveLocked(a, res)
		}
		r.mu.Unlock()
		return true
	case EvOrderStatus, EvExecution:
		if a.kind != AwaitOrder || ev.Order == nil {
			r.mu.Unlock()
			return true
		}
		st := *ev.Order
		if st.Terminal() {
			r.resolveLocked(a, Result{Order: &st})
			r.mu.Unlock()
			return true
		}
		a.lastOrder = &st
		progress := a.progress
		r.mu.Unlock()
		if progress != nil {
			select {
			case progress <- st:
			default:
			}
		}
		return true
	case EvAccountValue:
		if a.kind == AwaitAccount && ev.Account != nil {
			a.account[ev.Account.Tag] = *ev.Account
		}
		r.mu.Unlock()
		return true
	case EvAccountEnd:
		if a.kind == AwaitAccount {
			r.resolveLocked(a, Result{Account: a.account})
		}
		r.mu.Unlock()
		return true
	case EvError:
		cls := Classify(ev.Err.Code)
		if cls == ClassTransient || cls == ClassFatal {
			r.resolveLocked(a, Result{Err: ev.Err})
		}
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()
	return true
}

// Fail resolves one awaiter with err.
func (r *Registry) Fail(reqID uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aw[reqID]; ok {
		r.resolveLocked(a, Result{Err: err})
	}
}

// FailAll resolves every pending awaiter with err. Called on connection loss.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.aw {
		r.resolveLocked(a, Result{Err: err})
	}
}

// Cancel resolves an awaiter as cancelled. No-op if already resolved.
func (r *Registry) Cancel(reqID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aw[reqID]; ok {
		r.resolveLocked(a, Result{Err: ErrCancelled})
	}
}

// Reaped identifies an expired request so the bridge can send the matching
// vendor-side cancel.
type Reaped struct {
	ID   uint64
	Kind AwaitKind
}

// Reap resolves every awaiter whose deadline has passed with ErrTimeout.
func (r *Registry) Reap(now time.Time) []Reaped {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Reaped
	for id, a := range r.aw {
		if now.After(a.deadline) {
			expired = append(expired, Reaped{ID: id, Kind: a.kind})
			r.resolveLocked(a, Result{Err: ErrTimeout})
		}
	}
	return expired
}

// Pending reports the number of unresolved awaiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.aw)
}

// resolveLocked completes an awaiter exactly once and removes it from the
// table. Callers hold r.mu.
func (r *Registry) resolveLocked(a *awaiter, res Result) {
	if _, ok := r.aw[a.reqID]; !ok {
		return
	}
	delete(r.aw, a.reqID)
	if res.Err != nil && a.kind == AwaitOrder && res.Order == nil {
		// An order that failed or timed out may still have partial fills
		// reported on the way; the caller needs them to track real shares.
		res.Order = a.lastOrder
	}
	a.done <- res
	close(a.done)
	if a.progress != nil {
		close(a.progress)
	}
	if res.Err != nil {
		observ.IncCounter("broker_requests_failed_total", map[string]string{"kind": awaitKindLabel(a.kind)})
	} else {
		observ.IncCounter("broker_requests_resolved_total", map[string]string{"kind": awaitKindLabel(a.kind)})
	}
}

func awaitKindLabel(k AwaitKind) string {
	switch k {
	case AwaitBars:
		return "bars"
	case AwaitSnapshot:
		return "snapshot"
	case AwaitOrder:
		return "order"
	case AwaitAccount:
		return "account"
	}
	return "unknown"
}
