package upstream

// 结果来源。
const (
	StatusCached  = "cached"
	StatusSuccess = "success"
)

// Result 是服务层的统一返回：Data 为载荷，Status 标记来源，
// RateLimit 仅在回源时可能非空。
type Result[T any] struct {
	Data      T
	Status    string
	RateLimit RateLimit
}
