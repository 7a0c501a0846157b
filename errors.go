package vision

import "errors"

// 推理流水线的错误类型，统一使用 errors.Is 判断
var (
	// ErrModelNotLoaded 模型尚未加载完成，或加载失败
	ErrModelNotLoaded = errors.New("模型未加载")
	// ErrEncodingFailed 图片或提示编码失败
	ErrEncodingFailed = errors.New("编码失败")
	// ErrDecodingFailed Mask 解码失败
	ErrDecodingFailed = errors.New("解码失败")
	// ErrInvalidDimensions 尺寸为零或为负数
	ErrInvalidDimensions = errors.New("无效的尺寸")
	// ErrImageResizingFailed Mask 后处理没有产出图像
	ErrImageResizingFailed = errors.New("图像缩放失败")
)
