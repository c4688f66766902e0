package repository

import "errors"

var (
	// ErrNoTransaction outbox 追加必须发生在领域事务内
	ErrNoTransaction = errors.New("repository: no transaction in context")
	// ErrClaimLost 事件已被 sweep 回收或被其他投递器重新认领
	ErrClaimLost = errors.New("repository: outbox claim lost")
	// ErrLeaseLost 幂等记录已被其他请求回收（version 变化）
	ErrLeaseLost = errors.New("repository: idempotency lease lost")
	ErrNotFound  = errors.New("repository: not found")

	// ErrCorruptRecord 存储中的幂等记录无法解析
	ErrCorruptRecord = errors.New("repository: corrupt idempotency record")
)
