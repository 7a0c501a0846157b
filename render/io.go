package render

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/up-zero/gotool/imageutil"
	_ "golang.org/x/image/webp"
)

// Format 输出图片格式
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpg"
	WEBP Format = "webp"
)

// ParseFormat 解析格式名称或文件扩展名
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png", "":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "webp":
		return WEBP, nil
	}
	return "", fmt.Errorf("不支持的图片格式: %s", s)
}

// ContentType 对应的 MIME 类型
func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	}
	return "image/png"
}

// Load 从文件加载图片
func Load(path string) (image.Image, error) {
	if img, err := imageutil.Open(path); err == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开图片失败: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode 从数据流解码图片，支持 png/jpg/webp
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取图片失败: %w", err)
	}
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("无法识别的图片格式: %w", err)
	}
	return img, nil
}

// Encode 按格式编码图片
//
// # Params:
//
//	quality: jpg/webp 质量 (1-100)
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	switch format {
	case JPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case WEBP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	default:
		return imaging.Encode(w, img, imaging.PNG)
	}
}

// Save 根据扩展名保存图片
func Save(path string, img image.Image, quality int) error {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	if err := Encode(f, img, format, quality); err != nil {
		f.Close()
		return fmt.Errorf("保存图片失败: %w", err)
	}
	return f.Close()
}
