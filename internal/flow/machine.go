package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/protocol"
	"gatherbridge/internal/transform"
)

// Phase is the machine's position in the login exchange.
type Phase string

const (
	PhaseInitial          Phase = "initial"
	PhaseAwaitingInput    Phase = "awaiting_input"
	PhaseSubmitting       Phase = "submitting"
	PhaseError            Phase = "error"
	PhaseAwaitingFollowUp Phase = "awaiting_follow_up"
	PhaseFinished         Phase = "finished"
	PhaseDone             Phase = "done"
)

const (
	initialAttempts = 3
	retryBackoff    = 200 * time.Millisecond
)

// Submitter posts one turn of the exchange upstream. The production
// implementation is the gather auth client; tests inject fakes.
type Submitter interface {
	Submit(ctx context.Context, providerID, clientIP string, sub protocol.Submission) (*protocol.Turn, error)
}

// Callback receives canonical records once the exchange finishes.
type Callback func(records []domain.Record, raw json.RawMessage)

// Snapshot is an immutable view of the machine after a transition. Values is
// a private copy; mutating it does not affect the machine.
type Snapshot struct {
	Phase        Phase             `json:"phase"`
	ProviderID   string            `json:"provider_id"`
	Choices      []protocol.Choice `json:"choices,omitempty"`
	SingleSelect bool              `json:"single_select,omitempty"`
	Values       map[string]string `json:"values,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
	Err          string            `json:"error,omitempty"`
	Records      []domain.Record   `json:"records,omitempty"`
}

// Machine drives one provider's login exchange. All methods are safe for
// concurrent use; transitions are serialized.
type Machine struct {
	providerID string
	clientIP   string
	submitter  Submitter
	engine     *transform.Engine
	schema     transform.Schema
	onRecords  Callback
	logger     *slog.Logger

	mu       sync.Mutex
	phase    Phase
	choices  []protocol.Choice
	values   map[string]string
	profile  string
	state    *protocol.State
	followUp bool
	errMsg   string
	records  []domain.Record
}

// MachineConfig wires a Machine.
type MachineConfig struct {
	ProviderID string
	ClientIP   string
	Submitter  Submitter
	Engine     *transform.Engine
	Schema     transform.Schema
	OnRecords  Callback
	Logger     *slog.Logger
}

// NewMachine creates a machine in the Initial phase.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		providerID: cfg.ProviderID,
		clientIP:   cfg.ClientIP,
		submitter:  cfg.Submitter,
		engine:     cfg.Engine,
		schema:     cfg.Schema,
		onRecords:  cfg.OnRecords,
		logger:     logger,
		phase:      PhaseInitial,
		values:     make(map[string]string),
	}
}

// Snapshot returns the current state as an immutable value.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	values := make(map[string]string, len(m.values))
	for k, v := range m.values {
		values[k] = v
	}
	return Snapshot{
		Phase:        m.phase,
		ProviderID:   m.providerID,
		Choices:      m.choices,
		SingleSelect: IsSingleSelect(m.choices),
		Values:       values,
		ProfileID:    m.profile,
		Err:          m.errMsg,
		Records:      m.records,
	}
}

// Start opens the exchange with an empty submission, retrying transient
// failures since nothing user-entered is at stake yet.
func (m *Machine) Start(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseInitial {
		return m.snapshotLocked(), nil
	}
	m.phase = PhaseSubmitting

	turn, err := m.submitWithRetry(ctx, m.buildSubmission(nil, nil), initialAttempts)
	return m.applyTurn(turn, err), err
}

// SubmitChoice submits the values collected for one choice, activating its
// click and radio prompts. Root-schema submissions (credentials) retry
// transient failures like Start does. Once the exchange reaches a follow-up
// step, submissions run exactly once: the upstream may have already consumed
// a one-time code, so a blind retry could burn it.
func (m *Machine) SubmitChoice(ctx context.Context, choice protocol.Choice, values map[string]string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseAwaitingInput, PhaseAwaitingFollowUp, PhaseError:
	default:
		return m.snapshotLocked(), domain.ErrProtocol("no input expected in this phase", nil)
	}
	if !CanSubmit(choice, values) {
		return m.snapshotLocked(), domain.ErrProtocol("required fields are still empty", nil)
	}
	m.phase = PhaseSubmitting

	attempts := initialAttempts
	if m.followUp {
		attempts = 1
	}
	turn, err := m.submitWithRetry(ctx, m.buildSubmission(values, ButtonUpdates(choice)), attempts)
	return m.applyTurn(turn, err), err
}

// Reset abandons the exchange and returns to Initial with empty values.
func (m *Machine) Reset() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseInitial
	m.choices = nil
	m.values = make(map[string]string)
	m.profile = ""
	m.state = nil
	m.followUp = false
	m.errMsg = ""
	m.records = nil
	return m.snapshotLocked()
}

// buildSubmission merges previously accumulated inputs, this turn's values,
// and activated buttons onto the upstream's last state bag.
func (m *Machine) buildSubmission(values, buttons map[string]string) protocol.Submission {
	var state protocol.State
	if m.state != nil {
		state = *m.state
	}

	inputs := make(map[string]string, len(m.values)+len(values)+len(buttons))
	for k, v := range m.values {
		inputs[k] = v
	}
	for k, v := range values {
		inputs[k] = v
	}
	for k, v := range buttons {
		inputs[k] = v
	}
	state.Inputs = inputs
	m.values = inputs

	return protocol.Submission{State: state, ProfileID: m.profile}
}

func (m *Machine) submitWithRetry(ctx context.Context, sub protocol.Submission, attempts int) (*protocol.Turn, error) {
	var turn *protocol.Turn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		turn, err = m.submitter.Submit(ctx, m.providerID, m.clientIP, sub)
		if err == nil {
			return turn, nil
		}
		m.logger.Warn("login submission failed",
			slog.String("provider_id", m.providerID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, err
			case <-time.After(retryBackoff):
			}
		}
	}
	return nil, err
}

// applyTurn folds the upstream's answer into the machine. Accumulated values
// survive an error so the user can correct a single field and resubmit.
func (m *Machine) applyTurn(turn *protocol.Turn, err error) Snapshot {
	if err != nil {
		m.phase = PhaseError
		m.errMsg = err.Error()
		return m.snapshotLocked()
	}

	if turn.ProfileID != "" {
		m.profile = turn.ProfileID
	}
	if turn.State != nil {
		m.state = turn.State
	}

	if msg := turn.StateError(); msg != "" {
		m.phase = PhaseError
		m.errMsg = msg
		return m.snapshotLocked()
	}
	m.errMsg = ""

	switch {
	case turn.Finished():
		m.phase = PhaseFinished
		if m.engine != nil && len(turn.ExtractResult) > 0 {
			var raw any
			if jsonErr := json.Unmarshal(turn.ExtractResult, &raw); jsonErr != nil {
				m.logger.Error("unparseable extract result",
					slog.String("provider_id", m.providerID),
					slog.String("error", jsonErr.Error()))
			} else {
				m.records = m.engine.Transform(raw, m.schema)
				if m.onRecords != nil {
					m.onRecords(m.records, turn.ExtractResult)
				}
			}
		}

	case turn.NeedsInput():
		if follow := turn.FollowUpChoices(); len(follow) > 0 {
			m.choices = follow
			m.phase = PhaseAwaitingFollowUp
			m.followUp = true
		} else {
			m.choices = turn.Choices
			m.phase = PhaseAwaitingInput
		}

	default:
		// Terminal acknowledgment with nothing to extract.
		m.phase = PhaseDone
	}
	return m.snapshotLocked()
}
