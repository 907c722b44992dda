package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// 网关的错误分为两类: 瞬时错误可以重试, 拒绝类错误重试无意义。
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("order rejected by exchange filters")
	ErrOrderNotFound       = errors.New("order not found")
	ErrRateLimited         = errors.New("rate limited")
)

// TransientError 包裹一个预期短时间内可自愈的错误
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient 将错误标记为瞬时错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient 报告该错误是否值得按退避策略重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejection 报告该错误是否为交易所的确定性拒绝
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInvalidOrder)
}
