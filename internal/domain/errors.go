package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrCycleDetected              = errors.New("dependency cycle detected")
	ErrLaunchFailed               = errors.New("agent launch failed")
	ErrProbeTimeout               = errors.New("health probe timed out")
	ErrProbeUnreachable           = errors.New("health probe target unreachable")
	ErrProbeError                 = errors.New("health probe error")
	ErrProbeUnhealthy             = errors.New("agent reported unhealthy")
	ErrResolutionExhausted        = errors.New("all discovery strategies exhausted")
	ErrRegistrationPartialFailure = errors.New("registration partially failed")
	ErrUnknownRule                = errors.New("unknown rule")
	ErrInvalidRule                = errors.New("invalid rule")
	ErrInvalidSpec                = errors.New("invalid specification")
	ErrSequenceAborted            = errors.New("startup sequence aborted")
)

// ErrNotFound — агента нет в конкретном реестре (или нигде, см. ResolutionError)
var ErrNotFound = errors.New("agent not found")

// CycleError несет набор узлов, участвующих в цикле (или зависящих от него)
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// ProbeError связывает результат пробы с сентинелом таксономии
type ProbeError struct {
	Result HealthCheckResult
	kind   error
}

func (e *ProbeError) Error() string {
	if e.Result.Message == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.kind, e.Result.Message)
}

func (e *ProbeError) Unwrap() error { return e.kind }

// RegistrationError собирает ошибки вторичных реестров
type RegistrationError struct {
	Failed map[string]error
}

func (e *RegistrationError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for n := range e.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Failed[n]))
	}
	return fmt.Sprintf("%v (%s)", ErrRegistrationPartialFailure, strings.Join(parts, "; "))
}

func (e *RegistrationError) Unwrap() error { return ErrRegistrationPartialFailure }

// ResolutionError — все стратегии резолва исчерпаны. Для вызывающего это ErrNotFound.
type ResolutionError struct {
	Name   string
	Causes []error
}

func (e *ResolutionError) Error() string {
	if len(e.Causes) == 0 {
		return fmt.Sprintf("%v: %s", ErrResolutionExhausted, e.Name)
	}
	return fmt.Sprintf("%v: %s: %v", ErrResolutionExhausted, e.Name, errors.Join(e.Causes...))
}

func (e *ResolutionError) Unwrap() []error {
	return append([]error{ErrResolutionExhausted, ErrNotFound}, e.Causes...)
}
