package titler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/ollama/ollama/api"
)

const prompt = "The highlighted region of this image is one object. " +
	"Reply with a short name for it, at most three words, no punctuation."

// maxTitleRunes 标题最大长度
const maxTitleRunes = 32

// Ollama 使用多模态模型为分割结果命名
type Ollama struct {
	client *api.Client
	model  string
	margin int // 裁剪时在 Mask 外保留的像素
}

// New 创建客户端
//
// # Params:
//
//	serverURL: ollama 地址，例如 http://localhost:11434
//	model: 多模态模型名称
func New(serverURL, model string) (*Ollama, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("无效的地址: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("无效的地址: %s", serverURL)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}

	return &Ollama{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
		margin: 16,
	}, nil
}

// Title 实现 pipeline.Titler
func (o *Ollama) Title(ctx context.Context, src image.Image, seg *pipeline.Segmentation) (string, error) {
	img := o.highlight(src, seg)

	var buf bytes.Buffer
	if err := render.Encode(&buf, img, render.JPEG, 85); err != nil {
		return "", err
	}

	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{buf.Bytes()},
			},
		},
		Stream: &stream,
	}

	var content string
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama 请求失败: %w", err)
	}

	title := cleanTitle(content)
	if title == "" {
		return "", fmt.Errorf("ollama 返回为空")
	}
	return title, nil
}

// highlight 叠加分割结果并裁剪到 Mask 附近
func (o *Ollama) highlight(src image.Image, seg *pipeline.Segmentation) image.Image {
	layer := seg.Layer()
	layer.Title = ""
	out := render.Composite(src, []render.Layer{layer}, render.DefaultOptions())

	r := alphaBounds(seg.Alpha)
	if r.Empty() {
		return out
	}
	r = r.Inset(-o.margin).Intersect(out.Bounds())
	return imaging.Crop(out, r)
}

// alphaBounds Mask 非零像素的外接矩形
func alphaBounds(a *image.Alpha) image.Rectangle {
	if a == nil {
		return image.Rectangle{}
	}
	b := a.Bounds()
	r := image.Rectangle{Min: b.Max, Max: b.Min}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if a.AlphaAt(x, y).A == 0 {
				continue
			}
			r.Min.X = min(r.Min.X, x)
			r.Min.Y = min(r.Min.Y, y)
			r.Max.X = max(r.Max.X, x+1)
			r.Max.Y = max(r.Max.Y, y+1)
		}
	}
	if r.Min.X >= r.Max.X {
		return image.Rectangle{}
	}
	return r
}

// cleanTitle 取第一行并去掉引号和结尾标点
func cleanTitle(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`*。.!！,，")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = string([]rune(s)[:maxTitleRunes])
	}
	return strings.TrimSpace(s)
}
