package sip

import (
	"context"
	"reflect"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

// Transaction states.
const (
	TransactionStateCalling    TransactionState = "Calling"
	TransactionStateTrying     TransactionState = "Trying"
	TransactionStateProceeding TransactionState = "Proceeding"
	TransactionStateCompleted  TransactionState = "Completed"
	TransactionStateConfirmed  TransactionState = "Confirmed"
	TransactionStateAccepted   TransactionState = "Accepted"
	TransactionStateTerminated TransactionState = "Terminated"
)

// TransactionType tells the four transaction state machines apart.
type TransactionType struct {
	Role   Role
	Invite bool
}

// Transaction types.
var (
	TransactionTypeClientInvite    = TransactionType{RoleClient, true}
	TransactionTypeClientNonInvite = TransactionType{RoleClient, false}
	TransactionTypeServerInvite    = TransactionType{RoleServer, true}
	TransactionTypeServerNonInvite = TransactionType{RoleServer, false}
)

func (t TransactionType) String() string {
	if t.Invite {
		return t.Role.String() + "_invite"
	}
	return t.Role.String() + "_non_invite"
}

// State machine triggers.
const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtResend     = "resend"
	txEvtTranspErr  = "transp_err"
	txEvtTerminate  = "terminate"
)

// Timer names. The trigger fired on expiry is "timer_" + name.
const (
	tmrA   = "A"
	tmrB   = "B"
	tmrD   = "D"
	tmrE   = "E"
	tmrF   = "F"
	tmrG   = "G"
	tmrH   = "H"
	tmrI   = "I"
	tmrJ   = "J"
	tmrK   = "K"
	tmrL   = "L"
	tmrM   = "M"
	tmr1xx = "1xx"
)

func timerEvt(name string) string { return "timer_" + name }

type fsmAction = func(ctx context.Context, args ...any) error

// fsmRule is one row of a transition table.
// An empty To makes the rule an internal transition running Do without leaving From.
// Otherwise Do runs on entry to To when it is entered by the On trigger;
// entry actions depend only on the (To, On) pair.
type fsmRule struct {
	From TransactionState
	On   string
	To   TransactionState
	Do   fsmAction
}

// fsmTable describes one transaction state machine as data.
type fsmTable struct {
	Start TransactionState
	// Enter holds actions run on every entry to a state, before the rule actions.
	Enter map[TransactionState]fsmAction
	Rules []fsmRule
	// Params declares argument types of message triggers.
	Params map[string][]reflect.Type
}

// fsmEngine runs a transition table on top of a stateless state machine.
// Triggers missing from the table for the current state are reported as not handled.
type fsmEngine struct {
	sm      *stateless.StateMachine
	allowed map[TransactionState]map[string]bool
}

var (
	typInRes = reflect.TypeOf((*InboundResponse)(nil))
	typInReq = reflect.TypeOf((*InboundRequest)(nil))
	typRes   = reflect.TypeOf((*Response)(nil))
)

// newFSMEngine builds the state machine described by tbl.
// entered is called last on every state entry with the entered state.
func newFSMEngine(tbl *fsmTable, entered func(ctx context.Context, st TransactionState)) *fsmEngine {
	eng := &fsmEngine{
		sm:      stateless.NewStateMachine(tbl.Start),
		allowed: make(map[TransactionState]map[string]bool),
	}
	for trig, typs := range tbl.Params {
		eng.sm.SetTriggerParameters(trig, typs...)
	}

	states := []TransactionState{tbl.Start}
	addState := func(st TransactionState) {
		if _, ok := eng.allowed[st]; !ok {
			eng.allowed[st] = make(map[string]bool)
			if st != tbl.Start {
				states = append(states, st)
			}
		}
	}
	addState(tbl.Start)

	for st, fn := range tbl.Enter {
		addState(st)
		eng.sm.Configure(st).OnEntry(fn)
	}

	type entryKey struct {
		st  TransactionState
		trg string
	}
	seen := make(map[entryKey]bool)
	for _, r := range tbl.Rules {
		addState(r.From)
		eng.allowed[r.From][r.On] = true

		cfg := eng.sm.Configure(r.From)
		if r.To == "" {
			do := r.Do
			if do == nil {
				do = actNoop
			}
			cfg.InternalTransition(r.On, do)
			continue
		}

		addState(r.To)
		cfg.Permit(r.On, r.To)
		if k := (entryKey{r.To, r.On}); r.Do != nil && !seen[k] {
			seen[k] = true
			eng.sm.Configure(r.To).OnEntryFrom(r.On, r.Do)
		}
	}

	for _, st := range states {
		eng.sm.Configure(st).OnEntry(func(ctx context.Context, _ ...any) error {
			entered(ctx, st)
			return nil
		})
	}
	return eng
}

func (e *fsmEngine) state() TransactionState {
	return e.sm.MustState().(TransactionState) //nolint:forcetypeassert
}

// fire fires the trigger if the current state handles it.
func (e *fsmEngine) fire(ctx context.Context, trig string, args ...any) (bool, error) {
	if !e.allowed[e.state()][trig] {
		return false, nil
	}
	return true, errtrace.Wrap(e.sm.FireCtx(ctx, trig, args...))
}

func actNoop(context.Context, ...any) error { return nil }
