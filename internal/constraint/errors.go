package constraint

import (
	"errors"
	"fmt"
)

// ErrInvalidCapacity возвращается при попытке задать ёмкость ≤ 0.
var ErrInvalidCapacity = errors.New("capacity must be positive")

// InvalidPermitsError — запрошено неположительное количество permits.
type InvalidPermitsError struct {
	Unit       string
	ConsumerID string
	Permits    int
}

func (e *InvalidPermitsError) Error() string {
	return fmt.Sprintf("invalid permits %d for consumer %s on unit %s", e.Permits, e.ConsumerID, e.Unit)
}

// DuplicateConsumerError — consumer с таким ID уже зарегистрирован в unit.
type DuplicateConsumerError struct {
	Unit       string
	ConsumerID string
}

func (e *DuplicateConsumerError) Error() string {
	return fmt.Sprintf("consumer %s already registered on unit %s", e.ConsumerID, e.Unit)
}

// UnconfiguredUnitError — для unit нет ни собственной ёмкости, ни ёмкости по умолчанию.
type UnconfiguredUnitError struct {
	Unit string
}

func (e *UnconfiguredUnitError) Error() string {
	return fmt.Sprintf("unit %s has no configured capacity", e.Unit)
}

// IsInvalidPermits возвращает true, если ошибка — InvalidPermitsError.
func IsInvalidPermits(err error) bool {
	var e *InvalidPermitsError
	return errors.As(err, &e)
}

// IsDuplicateConsumer возвращает true, если ошибка — DuplicateConsumerError.
func IsDuplicateConsumer(err error) bool {
	var e *DuplicateConsumerError
	return errors.As(err, &e)
}

// IsUnconfiguredUnit возвращает true, если ошибка — UnconfiguredUnitError.
func IsUnconfiguredUnit(err error) bool {
	var e *UnconfiguredUnitError
	return errors.As(err, &e)
}

// IsAdmissionError возвращает true для любой ошибки допуска.
func IsAdmissionError(err error) bool {
	return IsInvalidPermits(err) || IsDuplicateConsumer(err) || IsUnconfiguredUnit(err)
}
