package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPersistence     = errors.New("persistence failed")
)

// PersistenceError 表示内存状态已经更新，但持久化写入失败或超时。
// 返回该错误时，调用方拿到的数值结果仍然有效，只是尚未落盘。
type PersistenceError struct {
	Currency string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Currency == "" {
		return fmt.Sprintf("persist ledger: %v", e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Currency, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrPersistence) 对任意 PersistenceError 成立。
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
