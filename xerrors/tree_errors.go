package xerrors

// 多版本区间容器的错误码。哨兵实例只用于 errors.Is 判等，
// 返回给调用方的错误一律经 Clone 派生，避免共享的 Context 被改写。
var (
	// ErrInvalidInput 输入参数错误（域大小、初始数组长度等）。
	ErrInvalidInput = New(ErrInvalidArg, 400101, "invalid input", "check your input parameters", nil)
	// ErrInvalidRange 区间左端点大于右端点。
	ErrInvalidRange = New(ErrInvalidArg, 400102, "invalid range", "range left bound must not exceed right bound", nil)
	// ErrIndexOutOfRange 区间超出容器的下标域。
	ErrIndexOutOfRange = New(ErrOutOfRange, 400103, "index out of range", "range must lie inside the container domain", nil)
	// ErrUnknownVersion 版本号从未创建或已被退役。
	ErrUnknownVersion = New(ErrNotFound, 404101, "unknown version", "version was never created or has been retired", nil)
	// ErrResourceExhausted 节点池已达到硬上限。
	ErrResourceExhausted = New(ErrLimitExceeded, 429101, "resource exhausted", "node arena reached its hard capacity", nil)
	// ErrCacheMiss 查询结果缓存未命中。
	ErrCacheMiss = New(ErrNotFound, 404102, "cache miss", "entry not present in cache", nil)
)
