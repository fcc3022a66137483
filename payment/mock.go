package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Call struct {
	Op      string
	Request Request
	Receipt Receipt
	Err     error
}

// Mock is an in-memory provider. Balances are only enforced for players
// given one with SetBalance.
type Mock struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	chargeFails []error
	settleFails []error
	chargeErr   error
	settleErr   error
	calls       []Call

	// OnCharge runs before every charge, outside the mock's lock.
	OnCharge func(Request)
}

func NewMock() *Mock {
	return &Mock{balances: map[string]decimal.Decimal{}}
}

func (m *Mock) SetBalance(playerID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[playerID] = amount
}

func (m *Mock) Balance(playerID string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[playerID]
	return b, ok
}

// FailNextCharge queues errors returned by the next charges, in order.
func (m *Mock) FailNextCharge(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeFails = append(m.chargeFails, errs...)
}

func (m *Mock) FailNextSettle(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleFails = append(m.settleFails, errs...)
}

// FailCharges makes every charge fail with err until called with nil.
func (m *Mock) FailCharges(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeErr = err
}

func (m *Mock) FailSettles(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleErr = err
}

func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Mock) Charges() []Call  { return m.filter("charge", true) }
func (m *Mock) Settles() []Call  { return m.filter("settle", true) }
func (m *Mock) Failures() []Call { return m.filter("", false) }

func (m *Mock) filter(op string, ok bool) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if (op == "" || c.Op == op) && (c.Err == nil) == ok {
			out = append(out, c)
		}
	}
	return out
}

func (m *Mock) Charge(ctx context.Context, req Request) (Receipt, error) {
	if m.OnCharge != nil {
		m.OnCharge(req)
	}
	return m.do(ctx, "charge", req)
}

func (m *Mock) Settle(ctx context.Context, req Request) (Receipt, error) {
	return m.do(ctx, "settle", req)
}

func (m *Mock) do(ctx context.Context, op string, req Request) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.nextErr(op)
	if err == nil && ctx.Err() != nil {
		err = &Error{Kind: KindUnknown, Op: op, Message: "context done", Err: ctx.Err()}
	}
	if err == nil && req.Amount.IsNegative() {
		err = Permanent(op, "negative amount")
	}
	if err == nil {
		if bal, tracked := m.balances[req.PlayerID]; tracked {
			switch op {
			case "charge":
				if bal.LessThan(req.Amount) {
					err = Permanent(op, "insufficient funds")
				} else {
					m.balances[req.PlayerID] = bal.Sub(req.Amount)
				}
			case "settle":
				m.balances[req.PlayerID] = bal.Add(req.Amount)
			}
		}
	}

	call := Call{Op: op, Request: req, Err: err}
	if err == nil {
		ref := req.Reference
		if ref == "" {
			ref = uuid.NewString()
		}
		call.Receipt = Receipt{Reference: ref, TxID: "mock-" + uuid.NewString()}
	}
	m.calls = append(m.calls, call)
	return call.Receipt, err
}

func (m *Mock) nextErr(op string) error {
	queue, sticky := &m.chargeFails, m.chargeErr
	if op == "settle" {
		queue, sticky = &m.settleFails, m.settleErr
	}
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return sticky
}
