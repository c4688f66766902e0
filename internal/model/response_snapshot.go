package model

// ResponseSnapshot 缓存的响应，重放时逐字节返回
type ResponseSnapshot struct {
	StatusCode  int
	ContentType string
	Body        []byte
}
