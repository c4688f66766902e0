package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateKeyConflict 同一个幂等键携带了不同的请求体
	ErrDuplicateKeyConflict = errors.New("idempotency key reused with a different request payload")
	// ErrInFlightDuplicate 同一个幂等键的首个请求仍在执行
	ErrInFlightDuplicate = errors.New("a request with this idempotency key is still in progress")
	// ErrStoreUnavailable 幂等存储不可用，拒绝请求而不是跳过去重
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
	ErrSKUExists        = errors.New("catalog item with this sku already exists")
	ErrUnknownEventType = errors.New("unknown event type")
)

// InFlightError 携带客户端重试建议时间
type InFlightError struct {
	RetryAfter time.Duration
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrInFlightDuplicate, e.RetryAfter)
}

func (e *InFlightError) Unwrap() error { return ErrInFlightDuplicate }

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// PermanentError 标记不可重试的投递错误，事件直接进入 failed
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 包装 sink 错误，投递器不会再重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
