// Пакет intake: конечный автомат одной операции приёма файла.
//
// Жизненный цикл:
//
//	new → hashed → duplicate_found                      (конечное)
//	new → hashed → normalizing → stored → record_persisted (конечное)
//	любое неконечное → failed                           (конечное)
//
// Автомат создаётся на каждый вызов Intake и используется для
// логирования и проверки порядка шагов оркестратора.
package intake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State: состояние операции приёма.
type State string

const (
	StateNew             State = "new"
	StateHashed          State = "hashed"
	StateDuplicateFound  State = "duplicate_found"
	StateNormalizing     State = "normalizing"
	StateStored          State = "stored"
	StateRecordPersisted State = "record_persisted"
	StateFailed          State = "failed"
)

// ErrInvalidTransition: недопустимый переход между состояниями.
var ErrInvalidTransition = errors.New("недопустимый переход")

// TransitionRecord: запись о переходе.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions: матрица допустимых переходов.
// failed допускается из любого неконечного состояния и проверяется отдельно.
var validTransitions = map[State]map[State]bool{
	StateNew:             {StateHashed: true},
	StateHashed:          {StateDuplicateFound: true, StateNormalizing: true},
	StateNormalizing:     {StateStored: true},
	StateStored:          {StateRecordPersisted: true},
	StateDuplicateFound:  {},
	StateRecordPersisted: {},
	StateFailed:          {},
}

// StateMachine: автомат одной операции приёма.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	failure error
	history []TransitionRecord
}

// NewStateMachine создаёт автомат в состоянии new.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateNew,
		history: make([]TransitionRecord, 0, 4),
	}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// IsTerminal проверяет, достигнуто ли конечное состояние.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return isTerminal(sm.current)
}

// CanTransitionTo проверяет допустимость перехода.
func (sm *StateMachine) CanTransitionTo(target State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return canTransition(sm.current, target)
}

// TransitionTo выполняет переход в target.
func (sm *StateMachine) TransitionTo(target State, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !canTransition(sm.current, target) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sm.current, target)
	}

	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	sm.current = target
	return nil
}

// Fail переводит автомат в failed и запоминает причину.
// Повторный вызов и вызов из конечного состояния игнорируются.
func (sm *StateMachine) Fail(cause error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if isTerminal(sm.current) {
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        StateFailed,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	sm.current = StateFailed
	sm.failure = cause
}

// Failure возвращает причину перехода в failed (nil, если его не было).
func (sm *StateMachine) Failure() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failure
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return !isTerminal(from)
	}
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

func isTerminal(s State) bool {
	switch s {
	case StateDuplicateFound, StateRecordPersisted, StateFailed:
		return true
	default:
		return false
	}
}
